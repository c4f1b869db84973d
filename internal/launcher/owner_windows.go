//go:build windows

package launcher

import (
	"errors"

	"github.com/Paintersrp/warden/internal/ipc"
)

func socketOwner(user string) (*ipc.Owner, error) {
	if user != "" {
		return nil, errors.New("supervisor_user is not supported on windows")
	}
	return nil, nil
}
