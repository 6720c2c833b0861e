package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
)

// DialFunc opens the transport connection. Production passes the egress
// validator's DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// errStartTLSUnsupported is returned when STARTTLS is required but the
// server does not offer it.
var errStartTLSUnsupported = errors.New("email: server does not support STARTTLS")

// envelope is one SMTP transaction.
type envelope struct {
	host      string
	port      int
	helloName string
	startTLS  bool
	tlsConfig *tls.Config
	username  string
	password  string
	from      string
	rcpts     []string
	message   []byte
}

// transmit runs EHLO, optional STARTTLS and AUTH PLAIN, MAIL, RCPT and DATA
// over one connection. ctx bounds the whole exchange.
func transmit(ctx context.Context, dial DialFunc, env envelope) error {
	conn, err := dial(ctx, "tcp", net.JoinHostPort(env.host, strconv.Itoa(env.port)))
	if err != nil {
		return fmt.Errorf("email: dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, err := smtp.NewClient(conn, env.host)
	if err != nil {
		return withContext(ctx, fmt.Errorf("email: greeting: %w", err))
	}
	defer c.Close()

	if err := c.Hello(env.helloName); err != nil {
		return withContext(ctx, fmt.Errorf("email: ehlo: %w", err))
	}

	if env.startTLS {
		if ok, _ := c.Extension("STARTTLS"); !ok {
			return errStartTLSUnsupported
		}
		cfg := env.tlsConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		cfg = cfg.Clone()
		if cfg.ServerName == "" {
			cfg.ServerName = env.host
		}
		if err := c.StartTLS(cfg); err != nil {
			return withContext(ctx, fmt.Errorf("email: starttls: %w", err))
		}
	}

	if env.username != "" {
		if err := c.Auth(smtp.PlainAuth("", env.username, env.password, env.host)); err != nil {
			return withContext(ctx, fmt.Errorf("email: auth: %w", err))
		}
	}

	if err := c.Mail(env.from); err != nil {
		return withContext(ctx, fmt.Errorf("email: mail from: %w", err))
	}
	for _, rcpt := range env.rcpts {
		if err := c.Rcpt(rcpt); err != nil {
			return withContext(ctx, fmt.Errorf("email: rcpt to %s: %w", RedactAddress(rcpt), err))
		}
	}

	w, err := c.Data()
	if err != nil {
		return withContext(ctx, fmt.Errorf("email: data: %w", err))
	}
	if _, err := w.Write(env.message); err != nil {
		_ = w.Close()
		return withContext(ctx, fmt.Errorf("email: data write: %w", err))
	}
	if err := w.Close(); err != nil {
		return withContext(ctx, fmt.Errorf("email: data close: %w", err))
	}

	if err := c.Quit(); err != nil && !errors.Is(err, io.EOF) {
		return withContext(ctx, fmt.Errorf("email: quit: %w", err))
	}
	return nil
}

// withContext attaches ctx's error when the connection was torn down by
// cancellation, so timeouts classify as timeouts.
func withContext(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: %w", ctxErr, err)
	}
	return err
}
