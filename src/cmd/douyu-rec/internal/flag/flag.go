package flag

import (
	"os"

	"github.com/alecthomas/kingpin"

	"github.com/douyu-rec/douyu-rec/src/consts"
)

var (
	app = kingpin.New(consts.AppName, "斗鱼直播录制与投稿归档服务")

	// Conf 配置文件路径
	Conf = app.Flag("config", "配置文件路径").Short('c').Default("config.yml").String()
	// Debug 调试模式
	Debug = app.Flag("debug", "开启调试日志").Bool()
)

// Parse 解析命令行参数
func Parse() {
	app.Version(consts.AppVersion)
	app.HelpFlag.Short('h')
	kingpin.MustParse(app.Parse(os.Args[1:]))
}
