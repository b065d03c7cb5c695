package email

import (
	"fmt"

	"gopkg.in/gomail.v2"

	"github.com/douyu-rec/douyu-rec/src/configs"
)

// SendMail 通过 SMTP 发送一封纯文本通知邮件
func SendMail(cfg configs.Email, subject, body string) error {
	if cfg.SMTPHost == "" || cfg.From == "" || cfg.To == "" {
		return fmt.Errorf("邮件通知配置不完整")
	}

	m := gomail.NewMessage()
	m.SetHeader("From", cfg.From)
	m.SetHeader("To", cfg.To)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.Username, cfg.Password)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("发送邮件失败: %w", err)
	}
	return nil
}
