package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dcmshare/dcmrelay/config"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestLoadConfig_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dcmrelay.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[keystore]
password = "from-file"

[matrix]
password = "from-file"

[storage]
backend = "s3"

[storage.s3]
bucket = "studies"
region = "eu-west-1"
`), 0o600))
	t.Setenv("DCMRELAY_MATRIX_PASSWORD", "from-env")

	var got config.Config
	app := &cli.App{
		Flags: []cli.Flag{
			configFlag,
			logLevelFlag,
			keyStorePasswordFlag,
			s3AccessKeyFlag,
			s3SecretKeyFlag,
			azureAccountKeyFlag,
			matrixPasswordFlag,
		},
		Action: func(cctx *cli.Context) error {
			var err error
			got, err = loadConfig(cctx)
			return err
		},
	}
	require.NoError(t, app.Run([]string{"dcmrelay", "--config", path, "--keystore-password", "from-flag"}))

	require.Equal(t, "from-flag", got.KeyStore.Password)
	require.Equal(t, "from-env", got.Matrix.Password)
	require.Equal(t, "studies", got.Storage.S3.Bucket)
	require.Empty(t, got.Storage.S3.AccessKeyID)
	require.Equal(t, "info", got.Log.Level)
}
