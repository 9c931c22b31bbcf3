package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/coinpaprika/ratelimiter"
	"github.com/jordan-wright/email"
)

var emailAuth smtp.Auth

var noticeLimiter *ratelimiter.RateLimiter

var ErrNoticeRateLimited = errors.New("Rate limited")

// At most one notice per subject within this window.
const NoticeWindow = time.Hour

func InitEmailAuth() {
	if Configuration.Smtp.User == "" {
		emailAuth = nil
		return
	}
	emailAuth = smtp.PlainAuth("", Configuration.Smtp.User, Configuration.Smtp.Pass, Configuration.Smtp.Address)
}

func initNoticeLimiter(store *ratelimiter.MapLimitStore) {
	noticeLimiter = ratelimiter.New(store, 1, NoticeWindow)
}

/*
EmailNotice mails the configured admin
addresses. Repeated notices with the same
subject are dropped for NoticeWindow, so a
broken certificate file does not send one
mail per reload tick.
*/
func EmailNotice(subject, body string) error {
	if !Configuration.Smtp.Enabled || len(Configuration.Admin.Email) == 0 {
		return nil
	}

	if noticeLimiter != nil {
		stat, err := noticeLimiter.Check(subject)
		if err != nil {
			return err
		}
		if stat.IsLimited {
			return ErrNoticeRateLimited
		}
		if err := noticeLimiter.Inc(subject); err != nil {
			return err
		}
	}

	em := email.NewEmail()
	em.From = Configuration.Smtp.From
	em.To = Configuration.Admin.Email
	em.Subject = fmt.Sprintf("gemmark: %s", subject)
	em.Text = []byte(body)
	return sendEmail(em)
}

func sendEmail(em *email.Email) error {
	address := Configuration.Smtp.Address + ":" + Configuration.Smtp.Port
	tlsConfig := &tls.Config{ServerName: Configuration.Smtp.Address}
	switch strings.ToLower(Configuration.Smtp.Type) {
	case "plain":
		return em.Send(address, emailAuth)
	case "tls":
		return em.SendWithTLS(address, emailAuth, tlsConfig)
	case "starttls":
		return em.SendWithStartTLS(address, emailAuth, tlsConfig)
	default:
		return errors.New("Invalid config.Smtp.Type. Allowed values: plain/tls/starttls")
	}
}
