package auth

import (
	"errors"
	"fmt"

	"github.com/mauritsvdvijgh/FlashMQ/logger"
)

var (
	// ErrFatal marks plugin load/lookup failures; startup aborts on it.
	ErrFatal = errors.New("auth: fatal")

	// ErrPlugin marks a plugin that signaled failure from a lifecycle
	// call; init-time occurrences are fatal, check-time occurrences
	// become AuthError verdicts.
	ErrPlugin = errors.New("auth: plugin error")

	providers = make(map[string]AuthPlugin)
)

// pluginVersion is the only plugin ABI revision this broker speaks.
const pluginVersion = 2

// Opt is one key/value from the broker config handed to the plugin.
type Opt struct {
	Key   string
	Value string
}

// AuthPlugin is the external policy provider capability set. Init returns
// an opaque context the host passes back on every subsequent call.
//
// Init is for allocating memory only; loading users and ACL tables belongs
// in SecurityInit, which is also what reload re-runs.
type AuthPlugin interface {
	Version() int

	Init(opts []Opt) (interface{}, error)
	Cleanup(data interface{}, opts []Opt) error

	SecurityInit(data interface{}, opts []Opt, reloading bool) error
	SecurityCleanup(data interface{}, opts []Opt, reloading bool) error

	AclCheck(data interface{}, clientId, username, topic string, access AclAccess) AuthResult
	UnPwdCheck(data interface{}, username, password string) AuthResult
	PskKeyGet(data interface{}, hint, identity string) (string, AuthResult)
}

// RegisterPlugin makes a policy provider loadable by name from the config.
func RegisterPlugin(name string, p AuthPlugin) {
	if p == nil {
		panic("auth: RegisterPlugin provider is nil")
	}
	if _, dup := providers[name]; dup {
		panic("auth: RegisterPlugin called twice for provider " + name)
	}
	providers[name] = p
	logger.Logger.Infof("Register AuthPlugin '%s' success, %T", name, p)
}

func UnregisterPlugin(name string) {
	delete(providers, name)
}

// optValue picks a key out of the plugin options, with a default.
func optValue(opts []Opt, key, def string) string {
	for _, o := range opts {
		if o.Key == key {
			return o.Value
		}
	}
	return def
}

func lookupPlugin(name string) (AuthPlugin, error) {
	p, ok := providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: auth plugin %q is not there", ErrFatal, name)
	}
	if p.Version() != pluginVersion {
		return nil, fmt.Errorf("%w: only auth plugin version %d is supported at this time", ErrFatal, pluginVersion)
	}
	return p, nil
}
