// ABOUTME: Appservice registration file generation for homeserver admins
// ABOUTME: Produces the YAML the homeserver loads to route the bridge's namespace

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"maunium.net/go/mautrix/appservice"
)

// GhostUserRegex is the exclusive user namespace claimed in generated
// registrations. It must match the localparts GhostPrefix produces.
const GhostUserRegex = "@_zulip_.*"

// GenerateRegistration writes a fresh appservice registration to path and
// returns it. The as_token and hs_token are independently generated 64-char
// random strings. If path already exists the file is left untouched and an
// error is returned.
//
// Compat mode appends a second user namespace covering the bot's own MXID,
// which Dendrite and Conduit require for the bot to register itself.
func GenerateRegistration(path, listenAddress string, listenPort int, compat bool) (*appservice.Registration, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("registration file %s already exists, not overwriting", path)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("checking registration path: %w", err)
	}

	reg := appservice.CreateRegistration()
	reg.ID = defaultBridgeID
	reg.URL = fmt.Sprintf("http://%s:%d", listenAddress, listenPort)
	reg.SenderLocalpart = defaultLocalpart
	rateLimited := false
	reg.RateLimited = &rateLimited
	reg.Namespaces.UserIDs = appservice.NamespaceList{
		{Regex: GhostUserRegex, Exclusive: true},
	}
	if compat {
		reg.Namespaces.UserIDs = append(reg.Namespaces.UserIDs, appservice.Namespace{
			Regex:     fmt.Sprintf("@%s:.*", defaultLocalpart),
			Exclusive: false,
		})
	}

	if err := reg.Save(path); err != nil {
		return nil, fmt.Errorf("writing registration file: %w", err)
	}
	return reg, nil
}
