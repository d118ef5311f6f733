package gameproc

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakeList(procs ...Proc) func(context.Context) ([]Proc, error) {
	return func(context.Context) ([]Proc, error) {
		return procs, nil
	}
}

func TestRunning(t *testing.T) {
	d := New([]string{"TTREngine.exe", " toontown "})
	d.list = fakeList(
		Proc{PID: 10, Name: "ttrengine"},
		Proc{PID: 11, Name: "Toontown.EXE"},
		Proc{PID: 12, Name: "bash"},
	)

	procs, err := d.Running(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []Proc{{PID: 10, Name: "ttrengine"}, {PID: 11, Name: "Toontown.EXE"}}, procs)

	blockers, err := d.Blockers(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ttrengine (pid 10)", "Toontown.EXE (pid 11)"}, blockers)
}

func TestRunningIgnoresSelf(t *testing.T) {
	d := New([]string{"patchd"})
	d.list = fakeList(Proc{PID: d.self, Name: "patchd"})

	procs, err := d.Running(context.Background())
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestRunningWithoutNames(t *testing.T) {
	d := New(nil)
	d.list = func(context.Context) ([]Proc, error) {
		t.Fatal("process list should not be read")
		return nil, nil
	}

	procs, err := d.Running(context.Background())
	require.NoError(t, err)
	assert.Empty(t, procs)
}

func TestRunningListError(t *testing.T) {
	d := New([]string{"game"})
	d.list = func(context.Context) ([]Proc, error) {
		return nil, errors.New("permission denied")
	}

	_, err := d.Running(context.Background())
	assert.ErrorContains(t, err, "failed to list processes")
}

func TestListProcessesFindsSelf(t *testing.T) {
	procs, err := listProcesses(context.Background())
	require.NoError(t, err)

	self := int32(os.Getpid())
	var found bool
	for _, p := range procs {
		if p.PID == self {
			found = true
			assert.NotEmpty(t, p.Name)
		}
	}
	assert.True(t, found, "own process missing from listing")
}
