package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

var Logger = &logrus.Logger{
	Out: os.Stdout,
	Formatter: &logrus.TextFormatter{
		DisableLevelTruncation: true,
		PadLevelText:           true,
		FullTimestamp:          true,
	},
	Hooks: make(logrus.LevelHooks),
	Level: logrus.InfoLevel,
}

// SetLevel 按名称设置日志级别，无法识别时保持原级别
func SetLevel(name string) {
	if lvl, err := logrus.ParseLevel(name); err == nil {
		Logger.SetLevel(lvl)
	}
}

// For 返回带 module/method 字段的日志条目
func For(module, method string) *logrus.Entry {
	return Logger.WithFields(logrus.Fields{"module": module, "method": method})
}
