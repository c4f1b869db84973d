//go:build !windows

package launcher

import (
	"fmt"

	"github.com/Paintersrp/warden/internal/ipc"
	"github.com/Paintersrp/warden/internal/osproc"
)

// socketOwner hands the socket to the supervisor user so the dropped
// supervisor can still connect.
func socketOwner(user string) (*ipc.Owner, error) {
	if user == "" {
		return nil, nil
	}
	cred, err := osproc.LookupCredential(user)
	if err != nil {
		return nil, fmt.Errorf("supervisor_user: %w", err)
	}
	if cred == nil {
		return nil, nil
	}
	return &ipc.Owner{UID: int(cred.Uid), GID: int(cred.Gid)}, nil
}
