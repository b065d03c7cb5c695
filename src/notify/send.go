package notify

import (
	"fmt"

	"github.com/douyu-rec/douyu-rec/src/configs"
	"github.com/douyu-rec/douyu-rec/src/consts"
	"github.com/douyu-rec/douyu-rec/src/log"
	"github.com/douyu-rec/douyu-rec/src/notify/email"
)

// SendNotification 发送直播状态变更通知。
// 参数: hostName(主播姓名), roomID(房间号), status(consts.LiveStatusStart/consts.LiveStatusStop)
func SendNotification(cfg *configs.Config, hostName, roomID, status string) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	var messageStatus string
	switch status {
	case consts.LiveStatusStart:
		messageStatus = "已开始直播,正在录制中"
	case consts.LiveStatusStop:
		messageStatus = "已结束直播,录制已停止"
	default:
		messageStatus = "直播状态未知"
	}

	hostInfo := fmt.Sprintf("%s,%s", hostName, messageStatus)

	if cfg.Notify.Email.Enable {
		subject := fmt.Sprintf("%s - 斗鱼", hostInfo)
		body := fmt.Sprintf("主播：%s\n平台：斗鱼\n房间号：%s", hostInfo, roomID)
		if err := email.SendMail(cfg.Notify.Email, subject, body); err != nil {
			log.GetLogger().WithError(err).Error("Failed to send email notification")
			return err
		}
	}
	return nil
}
