// Package activation hands the control server its listening socket, taking
// it from systemd socket activation when the service was started that way.
package activation

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
)

// firstFD is where systemd starts passing descriptors
// (0=stdin, 1=stdout, 2=stderr)
const firstFD = 3

// Socket is one activated listener and its FileDescriptorName
type Socket struct {
	Name     string
	Listener net.Listener
}

// Sockets returns the systemd-activated listeners. It returns nil if the
// process was not socket activated, or the activation is meant for another
// process.
func Sockets() ([]Socket, error) {
	pidStr := os.Getenv("LISTEN_PID")
	if pidStr == "" {
		return nil, nil
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_PID %q: %w", pidStr, err)
	}
	if pid != os.Getpid() {
		return nil, nil
	}

	fdsStr := os.Getenv("LISTEN_FDS")
	if fdsStr == "" {
		return nil, nil
	}
	numFDs, err := strconv.Atoi(fdsStr)
	if err != nil {
		return nil, fmt.Errorf("invalid LISTEN_FDS %q: %w", fdsStr, err)
	}
	if numFDs < 1 {
		return nil, nil
	}

	var names []string
	if v := os.Getenv("LISTEN_FDNAMES"); v != "" {
		names = strings.Split(v, ":")
	}

	sockets := make([]Socket, 0, numFDs)
	for i := 0; i < numFDs; i++ {
		fd := firstFD + i
		name := fmt.Sprintf("systemd-socket-%d", i)
		if i < len(names) && names[i] != "" {
			name = names[i]
		}

		file := os.NewFile(uintptr(fd), name)
		if file == nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create file for fd %d", fd)
		}

		listener, err := net.FileListener(file)
		// The listener holds its own duplicate of the descriptor
		_ = file.Close()
		if err != nil {
			closeAll(sockets)
			return nil, fmt.Errorf("failed to create listener from fd %d: %w", fd, err)
		}

		sockets = append(sockets, Socket{Name: name, Listener: listener})
	}

	// Unset the environment variables so child processes don't inherit them
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	_ = os.Unsetenv("LISTEN_FDNAMES")

	return sockets, nil
}

// Listen returns the activated socket named name, the first activated
// socket when name is empty, or a fresh TCP listener on addr when the
// process was not socket activated. activated reports which one it is.
func Listen(name, addr string) (ln net.Listener, activated bool, err error) {
	sockets, err := Sockets()
	if err != nil {
		return nil, false, err
	}

	if len(sockets) > 0 {
		pick := -1
		for i, s := range sockets {
			if name == "" || s.Name == name {
				pick = i
				break
			}
		}
		if pick < 0 {
			closeAll(sockets)
			return nil, false, fmt.Errorf("no activated socket named %q", name)
		}
		for i, s := range sockets {
			if i != pick {
				_ = s.Listener.Close()
			}
		}
		return sockets[pick].Listener, true, nil
	}

	if addr == "" {
		return nil, false, fmt.Errorf("no listen address configured and no activated socket")
	}
	ln, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, false, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return ln, false, nil
}

func closeAll(sockets []Socket) {
	for _, s := range sockets {
		_ = s.Listener.Close()
	}
}
