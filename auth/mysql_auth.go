package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"github.com/mauritsvdvijgh/FlashMQ/logger"
)

func init() {
	RegisterPlugin("mysql", &mysqlPlugin{})
}

// mysqlPlugin is a policy provider backed by mysql through gorm. Users are
// rows of dev_user, ACL rules rows of dev_acl.
type mysqlPlugin struct{}

type mysqlPluginData struct {
	db *gorm.DB
}

type devUser struct {
	Account  string `gorm:"column:account"`
	Password string `gorm:"column:password"`
	ClientId string `gorm:"column:client_id"`
}

func (devUser) TableName() string { return "dev_user" }

type devAcl struct {
	Account string `gorm:"column:account"`
	Topic   string `gorm:"column:topic"`
	Access  int    `gorm:"column:access"`
}

func (devAcl) TableName() string { return "dev_acl" }

func (this *mysqlPlugin) Version() int { return pluginVersion }

func (this *mysqlPlugin) Init(opts []Opt) (interface{}, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true",
		optValue(opts, "mysqlAccount", "root"),
		optValue(opts, "mysqlPassword", ""),
		optValue(opts, "mysqlUrl", "127.0.0.1:3306"),
		optValue(opts, "mysqlDatabase", "mqtt"))

	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return &mysqlPluginData{db: db}, nil
}

func (this *mysqlPlugin) Cleanup(data interface{}, opts []Opt) error {
	d := data.(*mysqlPluginData)
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (this *mysqlPlugin) SecurityInit(data interface{}, opts []Opt, reloading bool) error {
	d := data.(*mysqlPluginData)
	sqlDB, err := d.db.DB()
	if err != nil {
		return err
	}
	if err = sqlDB.Ping(); err != nil {
		return err
	}
	if !reloading {
		logger.Logger.Info("mysql auth plugin ready")
	}
	return nil
}

func (this *mysqlPlugin) SecurityCleanup(data interface{}, opts []Opt, reloading bool) error {
	return nil
}

func (this *mysqlPlugin) UnPwdCheck(data interface{}, username, password string) AuthResult {
	d := data.(*mysqlPluginData)

	var u devUser
	err := d.db.Where("account = ?", username).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AuthLoginDenied
	}
	if err != nil {
		logger.Logger.Errorf("mysql auth: fetching user '%s' failed: %v", username, err)
		return AuthError
	}
	if subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) == 1 {
		return AuthSuccess
	}
	return AuthLoginDenied
}

func (this *mysqlPlugin) AclCheck(data interface{}, clientId, username, topic string, access AclAccess) AuthResult {
	d := data.(*mysqlPluginData)

	var count int64
	err := d.db.Model(&devAcl{}).
		Where("account = ? AND topic = ? AND access >= ?", username, topic, int(access)).
		Count(&count).Error
	if err != nil {
		logger.Logger.Errorf("mysql auth: acl lookup for '%s' failed: %v", username, err)
		return AuthError
	}
	if count > 0 {
		return AuthSuccess
	}
	return AuthAclDenied
}

func (this *mysqlPlugin) PskKeyGet(data interface{}, hint, identity string) (string, AuthResult) {
	return "", AuthLoginDenied
}
