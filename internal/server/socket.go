package server

import (
	"fmt"
	"log"
	"net"
	"os"
	"os/user"
	"strconv"

	"github.com/coreos/go-systemd/v22/activation"
)

// Listen returns the API listener. A socket passed in by systemd socket
// activation wins; otherwise the unix socket is created at path with the
// given group and mode 0660.
func Listen(path, group string) (net.Listener, error) {
	listeners, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("checking socket activation: %w", err)
	}
	if len(listeners) > 1 {
		return nil, fmt.Errorf("expected one activated socket, got %d", len(listeners))
	}
	if len(listeners) == 1 {
		log.Printf("Server: using systemd-activated socket")
		return listeners[0], nil
	}

	if err := removeStale(path); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}

	if err := restrict(path, group); err != nil {
		ln.Close()
		os.Remove(path)
		return nil, err
	}
	return ln, nil
}

// removeStale deletes a leftover socket file. Anything else at the path is
// an error; the daemon must not clobber a real file.
func removeStale(path string) error {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	return os.Remove(path)
}

// restrict sets the socket's group and 0660 permissions so members of the
// configured group can talk to the daemon without root.
func restrict(path, group string) error {
	if group != "" {
		g, err := user.LookupGroup(group)
		if err != nil {
			return fmt.Errorf("group %s does not exist", group)
		}
		gid, err := strconv.Atoi(g.Gid)
		if err != nil {
			return fmt.Errorf("parsing gid for group %s: %w", group, err)
		}
		if err := os.Chown(path, -1, gid); err != nil {
			return fmt.Errorf("setting socket group: %w", err)
		}
	}
	if err := os.Chmod(path, 0o660); err != nil {
		return fmt.Errorf("setting socket permissions: %w", err)
	}
	return nil
}
