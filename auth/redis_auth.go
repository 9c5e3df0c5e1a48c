package auth

import (
	"crypto/subtle"
	"strconv"

	"github.com/go-redis/redis"

	"github.com/mauritsvdvijgh/FlashMQ/logger"
)

func init() {
	RegisterPlugin("redis", &redisPlugin{})
}

// redisPlugin is a policy provider backed by redis. Credentials live at
// mqtt_user:<username>, ACL topics in the sets mqtt_acl:<username>:read
// and mqtt_acl:<username>:write, PSK keys at mqtt_psk:<identity>. ACL set
// members are compared to the topic as exact strings; wildcards in them are
// not expanded.
type redisPlugin struct{}

type redisPluginData struct {
	client *redis.Client
}

func (this *redisPlugin) Version() int { return pluginVersion }

func (this *redisPlugin) Init(opts []Opt) (interface{}, error) {
	db, err := strconv.Atoi(optValue(opts, "redisDB", "0"))
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     optValue(opts, "redisUrl", "127.0.0.1:6379"),
		Password: optValue(opts, "redisPassword", ""),
		DB:       db,
	})
	return &redisPluginData{client: client}, nil
}

func (this *redisPlugin) Cleanup(data interface{}, opts []Opt) error {
	d := data.(*redisPluginData)
	return d.client.Close()
}

func (this *redisPlugin) SecurityInit(data interface{}, opts []Opt, reloading bool) error {
	d := data.(*redisPluginData)
	if err := d.client.Ping().Err(); err != nil {
		return err
	}
	if !reloading {
		logger.Logger.Info("redis auth plugin ready")
	}
	return nil
}

func (this *redisPlugin) SecurityCleanup(data interface{}, opts []Opt, reloading bool) error {
	return nil
}

func (this *redisPlugin) UnPwdCheck(data interface{}, username, password string) AuthResult {
	d := data.(*redisPluginData)

	stored, err := d.client.Get("mqtt_user:" + username).Result()
	if err == redis.Nil {
		return AuthLoginDenied
	}
	if err != nil {
		logger.Logger.Errorf("redis auth: fetching user '%s' failed: %v", username, err)
		return AuthError
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(password)) == 1 {
		return AuthSuccess
	}
	return AuthLoginDenied
}

func (this *redisPlugin) AclCheck(data interface{}, clientId, username, topic string, access AclAccess) AuthResult {
	d := data.(*redisPluginData)

	kind := "read"
	if access == AclWrite {
		kind = "write"
	}

	ok, err := d.client.SIsMember("mqtt_acl:"+username+":"+kind, topic).Result()
	if err != nil {
		logger.Logger.Errorf("redis auth: acl lookup for '%s' failed: %v", username, err)
		return AuthError
	}
	if ok {
		return AuthSuccess
	}
	return AuthAclDenied
}

func (this *redisPlugin) PskKeyGet(data interface{}, hint, identity string) (string, AuthResult) {
	d := data.(*redisPluginData)

	key, err := d.client.Get("mqtt_psk:" + identity).Result()
	if err == redis.Nil {
		return "", AuthLoginDenied
	}
	if err != nil {
		logger.Logger.Errorf("redis auth: psk lookup for '%s' failed: %v", identity, err)
		return "", AuthError
	}
	return key, AuthSuccess
}
