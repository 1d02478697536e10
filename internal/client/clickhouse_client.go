package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"sync"
	"time"

	ch "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"identity-service/internal/config"
	"identity-service/internal/util"
)

// ClickHouseClient wraps the native driver connection used as the
// append-only security event sink.
type ClickHouseClient struct {
	conn   driver.Conn
	config *config.ClickhouseConfig
	mu     sync.RWMutex
}

func NewClickHouseClient(cfg *config.Config, logger *zap.Logger) (*ClickHouseClient, error) {
	chCfg := cfg.Clickhouse

	conn, err := ch.Open(clickhouseOptions(cfg, &chCfg))
	if err != nil {
		return nil, fmt.Errorf("failed to open ClickHouse connection: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("ClickHouse client initialized",
		zap.String("url", chCfg.URL),
		zap.String("database", chCfg.Database),
	)

	return &ClickHouseClient{conn: conn, config: &chCfg}, nil
}

func clickhouseOptions(cfg *config.Config, chCfg *config.ClickhouseConfig) *ch.Options {
	opts := &ch.Options{
		Addr: []string{clickhouseHostPort(chCfg.URL)},
		Auth: ch.Auth{
			Username: chCfg.Username,
			Password: chCfg.Password,
			Database: chCfg.Database,
		},
		DialTimeout:      30 * time.Second,
		MaxOpenConns:     50,
		MaxIdleConns:     25,
		ConnMaxLifetime:  time.Hour,
		ConnOpenStrategy: ch.ConnOpenInOrder,
	}

	if cfg.IsProduction() || strings.HasPrefix(chCfg.URL, "https://") {
		opts.TLS = &tls.Config{
			MinVersion: tls.VersionTLS12,
			ServerName: strings.Split(clickhouseHostPort(chCfg.URL), ":")[0],
		}
	}

	return opts
}

// Exec runs a write statement, typically an event INSERT.
func (c *ClickHouseClient) Exec(ctx context.Context, query string, args ...interface{}) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Exec(ctx, query, args...)
}

func (c *ClickHouseClient) QueryRows(ctx context.Context, query string, args ...interface{}) (driver.Rows, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Query(ctx, query, args...)
}

func (c *ClickHouseClient) HealthCheck(ctx context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn.Ping(ctx)
}

func (c *ClickHouseClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		util.Error("Failed to close ClickHouse connection", zap.Error(err))
		return err
	}
	util.Info("ClickHouse connection closed")
	return nil
}

// clickhouseHostPort strips the scheme and applies the native protocol
// default port, 9440 when the URL asked for TLS.
func clickhouseHostPort(url string) string {
	hostPort := strings.TrimPrefix(url, "http://")
	hostPort = strings.TrimPrefix(hostPort, "https://")
	if !strings.Contains(hostPort, ":") {
		if strings.HasPrefix(url, "https://") {
			return hostPort + ":9440"
		}
		return hostPort + ":9000"
	}
	return hostPort
}
