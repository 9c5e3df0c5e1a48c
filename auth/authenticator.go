// Package auth answers the broker's credential and ACL questions. Two
// sources compose: the salted-hash password file checked first, and an
// optional external policy provider consulted after it.
package auth

import (
	"sync"

	"github.com/mauritsvdvijgh/FlashMQ/config"
	"github.com/mauritsvdvijgh/FlashMQ/logger"

	uatomic "go.uber.org/atomic"
)

// AuthResult is a per-request verdict, never an error: check failures are
// values the caller maps to a denial.
type AuthResult int

const (
	AuthSuccess AuthResult = iota
	AuthAclDenied
	AuthLoginDenied
	AuthError
)

func (r AuthResult) String() string {
	switch r {
	case AuthSuccess:
		return "success"
	case AuthAclDenied:
		return "ACL denied"
	case AuthLoginDenied:
		return "login denied"
	case AuthError:
		return "error in check"
	}
	return ""
}

type AclAccess int

const (
	AclRead  AclAccess = 1
	AclWrite AclAccess = 2
)

// Authenticator owns the password file state and the plugin lifecycle. The
// two serialization mutexes exist only for plugins that demand them; they
// are per-instance rather than true globals.
type Authenticator struct {
	cfg config.Auth

	passwd *passwdFile

	plugin     AuthPlugin
	pluginData interface{}
	opts       []Opt

	initialized bool
	quitting    uatomic.Bool

	initMu   sync.Mutex
	checksMu sync.Mutex
}

func NewAuthenticator(cfg config.Auth) *Authenticator {
	opts := make([]Opt, 0, len(cfg.PluginOpts))
	for k, v := range cfg.PluginOpts {
		opts = append(opts, Opt{Key: k, Value: v})
	}
	return &Authenticator{
		cfg:    cfg,
		passwd: newPasswdFile(cfg.PasswordFile),
		opts:   opts,
	}
}

// LoadPlugin resolves the configured policy provider. An empty name means
// no external provider. Load failures are fatal to startup.
func (this *Authenticator) LoadPlugin() error {
	if this.cfg.Plugin == "" {
		return nil
	}
	logger.Logger.Infof("Loading auth plugin %s", this.cfg.Plugin)

	p, err := lookupPlugin(this.cfg.Plugin)
	if err != nil {
		return err
	}
	this.plugin = p
	this.initialized = false
	return nil
}

// Init lets the plugin allocate its state. Not for loading auth data;
// that's what SecurityInit is for.
func (this *Authenticator) Init() error {
	if this.plugin == nil {
		return nil
	}

	if this.cfg.SerializeInit {
		this.initMu.Lock()
		defer this.initMu.Unlock()
	}
	if this.quitting.Load() {
		return nil
	}

	data, err := this.plugin.Init(this.opts)
	if err != nil {
		return ErrFatal
	}
	this.pluginData = data
	return nil
}

// SecurityInit loads the plugin's users and ACL tables. Runs at start and
// again on reload requests.
func (this *Authenticator) SecurityInit(reloading bool) error {
	if this.plugin == nil {
		return nil
	}

	if this.cfg.SerializeInit {
		this.initMu.Lock()
		defer this.initMu.Unlock()
	}
	if this.quitting.Load() {
		return nil
	}

	if err := this.plugin.SecurityInit(this.pluginData, this.opts, reloading); err != nil {
		return ErrPlugin
	}
	this.initialized = true
	return nil
}

func (this *Authenticator) SecurityCleanup(reloading bool) error {
	if this.plugin == nil {
		return nil
	}
	this.initialized = false
	if err := this.plugin.SecurityCleanup(this.pluginData, this.opts, reloading); err != nil {
		return ErrPlugin
	}
	return nil
}

// Cleanup tears the plugin down at shutdown. Errors are logged, not
// raised: we're shutting down anyway.
func (this *Authenticator) Cleanup() {
	if this.plugin == nil {
		return
	}
	if err := this.SecurityCleanup(false); err != nil {
		logger.Logger.Errorf("Error cleaning up auth plugin security state: %v", err)
	}
	if err := this.plugin.Cleanup(this.pluginData, this.opts); err != nil {
		logger.Logger.Errorf("Error cleaning up auth plugin: %v", err)
	}
}

// Reload re-initializes the plugin's security state, in the manner of a
// SIGHUP handler.
func (this *Authenticator) Reload() {
	if err := this.SecurityCleanup(true); err != nil {
		logger.Logger.Errorf("Error reloading auth plugin: %v. Security checks will now fail, because we don't know the status of the plugin anymore.", err)
		return
	}
	if err := this.SecurityInit(true); err != nil {
		logger.Logger.Errorf("Error reloading auth plugin: %v. Security checks will now fail, because we don't know the status of the plugin anymore.", err)
	}
}

// SetQuitting short-circuits Init/SecurityInit so reload timers cannot
// re-initialize a plugin that is being torn down.
func (this *Authenticator) SetQuitting() {
	this.quitting.Store(true)
}

// UnPwdCheck answers a login. The password file is consulted first; only a
// file-level success is deferred to the external provider.
func (this *Authenticator) UnPwdCheck(username, password string) AuthResult {
	firstResult := this.passwd.check(username, password, this.cfg.AllowAnonymous)

	if firstResult != AuthSuccess {
		return firstResult
	}
	if this.plugin == nil {
		return firstResult
	}

	if !this.initialized {
		logger.Logger.Errorf("Username+password check with plugin wanted, but initialization failed. Can't perform check.")
		return AuthError
	}

	if this.cfg.SerializeAuthChecks {
		this.checksMu.Lock()
		defer this.checksMu.Unlock()
	}

	r := this.plugin.UnPwdCheck(this.pluginData, username, password)
	if r == AuthError {
		logger.Logger.Errorf("Username+password check by plugin returned error for user '%s'. If it didn't log anything, we don't know what it was.", username)
	}
	return r
}

// AclCheck is answered by the external provider only; with none installed
// every access is allowed.
func (this *Authenticator) AclCheck(clientId, username, topic string, access AclAccess) AuthResult {
	if this.plugin == nil {
		return AuthSuccess
	}

	if !this.initialized {
		logger.Logger.Errorf("ACL check wanted, but initialization failed. Can't perform check.")
		return AuthError
	}

	if this.cfg.SerializeAuthChecks {
		this.checksMu.Lock()
		defer this.checksMu.Unlock()
	}

	r := this.plugin.AclCheck(this.pluginData, clientId, username, topic, access)
	if r == AuthError {
		logger.Logger.Errorf("ACL check by plugin returned error for topic '%s'. If it didn't log anything, we don't know what it was.", topic)
	}
	return r
}

// LoadPasswordFile is called once at startup and then on a frequent
// interval; it reloads the file only when its change time moved.
func (this *Authenticator) LoadPasswordFile() {
	this.passwd.load()
}
