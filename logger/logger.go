package logger

import (
	"github.com/mauritsvdvijgh/FlashMQ/logger/logs"
)

var Logger *logs.FlashLog

func init() {
	// 默认info级别，LogInit可重新配置
	LogInit("info")
}

// LogInit 日志必须在其它组件之前初始化
func LogInit(level string) {
	logs.LogInit(level)
	Logger = logs.GetLogger()
}
