//go:build integration

package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/milanbella/sa-oauth/config"
	"github.com/milanbella/sa-oauth/db"
)

var mysqlCfg config.DBConfig

func TestMain(m *testing.M) {
	ctx := context.Background()
	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "mysql:8.4",
			ExposedPorts: []string{"3306/tcp"},
			Env: map[string]string{
				"MYSQL_ROOT_PASSWORD": "root",
				"MYSQL_USER":          "oauth",
				"MYSQL_PASSWORD":      "password",
				"MYSQL_DATABASE":      "oauth_test",
			},
			WaitingFor: wait.ForLog("port: 3306  MySQL Community Server").WithStartupTimeout(3 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		panic(err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		panic(err)
	}
	port, err := container.MappedPort(ctx, "3306")
	if err != nil {
		panic(err)
	}
	portNum, err := strconv.Atoi(port.Port())
	if err != nil {
		panic(err)
	}

	mysqlCfg = config.DBConfig{
		Driver:          config.DriverMySQL,
		Host:            host,
		Port:            portNum,
		User:            "oauth",
		Password:        "password",
		Name:            "oauth_test",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Minute,
		PingTimeout:     30 * time.Second,
		Migrate:         true,
	}

	code := m.Run()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func openMySQL(t *testing.T) *sql.DB {
	t.Helper()

	sqlDB, err := db.New(context.Background(), mysqlCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, table := range []string{"authorization_code", "access_token", "refresh_token", "oauth_client"} {
		_, err := sqlDB.Exec(fmt.Sprintf("DELETE FROM %s", table))
		require.NoError(t, err)
	}
	return sqlDB
}

func TestMySQLStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T, opts ...Option) *Store {
		return New(openMySQL(t), opts...)
	})
}
