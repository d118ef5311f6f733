package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/invopop/jsonschema"
	"github.com/spf13/cobra"

	"github.com/schaermu/patchd/internal/bspatch"
	"github.com/schaermu/patchd/internal/digest"
	"github.com/schaermu/patchd/internal/manifest"
)

var (
	patchSource string
	patchFile   string
	patchOut    string
	patchExpect string
)

var applyPatchCmd = &cobra.Command{
	Use:   "apply-patch",
	Short: "Apply a binary patch to a local file",
	Long: `Apply-patch rebuilds a file from a base file and a binary patch container,
the same way update does for a single file. With --expect the result must
match the given digest before it is written.`,
	RunE: runApplyPatch,
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the manifest document",
	RunE: func(cmd *cobra.Command, args []string) error {
		return writeSchema(cmd, manifest.Schema())
	},
}

func init() {
	applyPatchCmd.Flags().StringVar(&patchSource, "source", "", "base file the patch was built against")
	applyPatchCmd.Flags().StringVar(&patchFile, "patch", "", "patch container")
	applyPatchCmd.Flags().StringVar(&patchOut, "out", "", "where to write the result")
	applyPatchCmd.Flags().StringVar(&patchExpect, "expect", "", "expected digest of the result (sha256:<hex> or blake3:<hex>)")
	_ = applyPatchCmd.MarkFlagRequired("source")
	_ = applyPatchCmd.MarkFlagRequired("patch")
	_ = applyPatchCmd.MarkFlagRequired("out")
}

func runApplyPatch(cmd *cobra.Command, args []string) error {
	var expect digest.Digest
	if patchExpect != "" {
		d, err := digest.Parse(patchExpect)
		if err != nil {
			return fmt.Errorf("invalid --expect: %w", err)
		}
		expect = d
	}

	source, err := os.ReadFile(patchSource)
	if err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}
	patch, err := os.ReadFile(patchFile)
	if err != nil {
		return fmt.Errorf("failed to read patch: %w", err)
	}

	out, err := bspatch.Apply(source, patch)
	if err != nil {
		return fmt.Errorf("failed to apply patch: %w", err)
	}

	if !expect.IsZero() {
		got, err := digest.Bytes(expect.Algorithm, out)
		if err != nil {
			return err
		}
		if !got.Equal(expect) {
			return fmt.Errorf("result does not match: expected %s, got %s", expect, got)
		}
	}

	// Write next to the destination, then rename into place
	tmp, err := os.CreateTemp(filepath.Dir(patchOut), ".patchd-apply-*")
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), patchOut); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s (%s)\n", patchOut, humanize.Bytes(uint64(len(out))))
	return nil
}

func writeSchema(cmd *cobra.Command, schema *jsonschema.Schema) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(schema)
}
