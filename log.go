package main

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"net"
	"net/url"
	"os"
	"time"

	"codeberg.org/FiskFan1999/gemini"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const LogBuffer = 1024

/*
logger is replaced by initLogger at startup.
Tests get a no-op logger so nothing has to
be configured to call into the server code.
*/
var logger = zap.NewNop()

func initLogger(conf *ConfigStr) (*zap.Logger, func(), error) {
	level, err := zapcore.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	encoderConf := zap.NewProductionEncoderConfig()
	encoderConf.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConf)

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
	}

	closer := func() {}
	if conf.Log != "" {
		// append to log file.
		f, err := os.OpenFile(conf.Log, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, err
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.Lock(f), level))
		closer = func() { f.Close() }
	}

	return zap.New(zapcore.NewTee(cores...)), closer, nil
}

var LogChan chan LogEntry

type LogEntry struct {
	*url.URL
	Remote net.Addr
	TLS    *tls.ConnectionState
	gemini.Response
	time.Duration
}

func LogLoop() {
	for l := range LogChan {
		fields := []zap.Field{
			zap.Duration("took", l.Duration),
		}
		if l.Remote != nil {
			ip, _, err := net.SplitHostPort(l.Remote.String())
			if err != nil {
				ip = l.Remote.String()
			}
			fields = append(fields, zap.String("ip", ip))
		}
		if l.URL != nil {
			fields = append(fields, zap.Stringer("url", l.URL))
		}
		if fp := GetFingerprint(l.TLS); fp != nil {
			fields = append(fields, zap.ByteString("certfp", fp))
		}
		if l.Response != nil {
			status, mime, err := gemini.ParseResponse(l.Response.Bytes())
			if err == nil {
				fields = append(fields, zap.Uint8("status", uint8(status)), zap.String("meta", mime))
			}
		}
		logger.Info("request", fields...)
	}
}

/*
logRequest hands an entry to LogLoop
without ever blocking the connection.
*/
func logRequest(entry LogEntry) {
	if LogChan == nil {
		return
	}
	select {
	case LogChan <- entry:
	default:
		logger.Warn("access log buffer full, dropping entry")
	}
}

/*
From go.step.sm/crypto/x509util.Fingerprint()
*/
func CertFP(cert *x509.Certificate) []byte {
	sum := sha256.Sum256(cert.Raw)
	out := make([]byte, base64.StdEncoding.EncodedLen(sha256.Size))
	base64.StdEncoding.Encode(out, sum[:])
	return out
}

func GetFingerprint(state *tls.ConnectionState) []byte {
	if state == nil {
		// failsafe if this is called during testing
		return nil
	}
	certs := state.PeerCertificates
	if len(certs) == 0 {
		return nil
	}

	return CertFP(certs[0])
}
