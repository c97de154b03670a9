// Package config loads the relay configuration from a TOML file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration written as a Go duration string, e.g. "90s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type (
	Config struct {
		Receiver Receiver `toml:"receiver"`
		Staging  Staging  `toml:"staging"`
		KeyStore KeyStore `toml:"keystore"`
		Storage  Storage  `toml:"storage"`
		Matrix   Matrix   `toml:"matrix"`
		Forward  Forward  `toml:"forward"`
		Relay    Relay    `toml:"relay"`
		Admin    Listener `toml:"admin"`
		Metrics  Listener `toml:"metrics"`
		Log      Log      `toml:"log"`
	}

	Receiver struct {
		AETitle      string `toml:"ae_title"`
		ListenAddr   string `toml:"listen_addr"`
		MaxPDULength uint32 `toml:"max_pdu_length"`
		MaxSessions  int    `toml:"max_sessions"`
		// AcceptAny accepts associations whatever called AE title they carry.
		AcceptAny        bool     `toml:"accept_any"`
		AbstractSyntaxes []string `toml:"abstract_syntaxes"`
		// TransferSyntaxes restricts the accepted transfer syntaxes. Empty
		// accepts any, compressed ones included.
		TransferSyntaxes []string `toml:"transfer_syntaxes"`
		MaxInstanceSize  int64    `toml:"max_instance_size"`
		ReadTimeout      Duration `toml:"read_timeout"`
	}

	Staging struct {
		Dir string `toml:"dir"`
	}

	KeyStore struct {
		Path     string `toml:"path"`
		Password string `toml:"password"`
	}

	Storage struct {
		Backend      string   `toml:"backend"`
		Retries      int      `toml:"retries"`
		RetryInitial Duration `toml:"retry_initial"`
		RetryMax     Duration `toml:"retry_max"`
		Dir          string   `toml:"dir"`
		S3           S3       `toml:"s3"`
		Azure        Azure    `toml:"azure"`
	}

	S3 struct {
		Bucket          string `toml:"bucket"`
		Region          string `toml:"region"`
		Endpoint        string `toml:"endpoint"`
		AccessKeyID     string `toml:"access_key_id"`
		SecretAccessKey string `toml:"secret_access_key"`
	}

	Azure struct {
		Account    string `toml:"account"`
		AccountKey string `toml:"account_key"`
		Container  string `toml:"container"`
		// ServiceURL overrides https://<account>.blob.core.windows.net/.
		ServiceURL string `toml:"service_url"`
	}

	Matrix struct {
		Homeserver       string   `toml:"homeserver"`
		User             string   `toml:"user"`
		Password         string   `toml:"password"`
		DeviceName       string   `toml:"device_name"`
		JoinInitialDelay Duration `toml:"join_initial_delay"`
		JoinMaxDelay     Duration `toml:"join_max_delay"`
	}

	Forward struct {
		Destination    string   `toml:"destination"`
		CallingAETitle string   `toml:"calling_ae_title"`
		MaxPDULength   uint32   `toml:"max_pdu_length"`
		Timeout        Duration `toml:"timeout"`
	}

	Relay struct {
		QueueSize     int      `toml:"queue_size"`
		Workers       int      `toml:"workers"`
		FetchWorkers  int      `toml:"fetch_workers"`
		AnnounceDelay Duration `toml:"announce_delay"`
	}

	Listener struct {
		ListenAddr string `toml:"listen_addr"`
	}

	Log struct {
		Level string `toml:"level"`
	}
)

const (
	BackendDir   = "dir"
	BackendS3    = "s3"
	BackendAzure = "azure"
)

// Default returns the configuration used for every key the file leaves out.
// Secrets have no defaults.
func Default() Config {
	return Config{
		Receiver: Receiver{
			AETitle:         "DCMRELAY",
			ListenAddr:      "0.0.0.0:11112",
			MaxPDULength:    16384,
			MaxSessions:     16,
			AcceptAny:       true,
			MaxInstanceSize: 2 << 30,
			ReadTimeout:     Duration{2 * time.Minute},
		},
		Staging:  Staging{Dir: "staging"},
		KeyStore: KeyStore{Path: "keystore"},
		Storage: Storage{
			Backend:      BackendDir,
			Retries:      5,
			RetryInitial: Duration{500 * time.Millisecond},
			RetryMax:     Duration{10 * time.Second},
			Dir:          "objects",
		},
		Matrix: Matrix{
			DeviceName:       "dcmrelay",
			JoinInitialDelay: Duration{2 * time.Second},
			JoinMaxDelay:     Duration{time.Hour},
		},
		Forward: Forward{
			CallingAETitle: "DCMRELAY",
			MaxPDULength:   16384,
			Timeout:        Duration{time.Minute},
		},
		Relay: Relay{
			QueueSize:    64,
			Workers:      4,
			FetchWorkers: 1,
		},
		Admin:   Listener{ListenAddr: "127.0.0.1:40080"},
		Metrics: Listener{ListenAddr: "127.0.0.1:40081"},
		Log:     Log{Level: "info"},
	}
}

// Load reads the TOML file at path over the defaults. An empty path yields
// the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config: unknown keys %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// MatrixEnabled reports whether a homeserver is configured.
func (c Config) MatrixEnabled() bool {
	return c.Matrix.Homeserver != ""
}

// Validate checks the settings needed to serve. It is run after command line
// overrides have been applied.
func (c Config) Validate() error {
	var errs []error
	if c.Receiver.AETitle == "" || len(c.Receiver.AETitle) > 16 {
		errs = append(errs, fmt.Errorf("receiver.ae_title must be 1 to 16 characters, got %q", c.Receiver.AETitle))
	}
	if c.Receiver.MaxSessions < 1 {
		errs = append(errs, errors.New("receiver.max_sessions must be at least 1"))
	}
	if c.Receiver.MaxInstanceSize < 1 {
		errs = append(errs, errors.New("receiver.max_instance_size must be positive"))
	}
	if c.Staging.Dir == "" {
		errs = append(errs, errors.New("staging.dir is required"))
	}
	if c.KeyStore.Path == "" {
		errs = append(errs, errors.New("keystore.path is required"))
	}
	if c.KeyStore.Password == "" {
		errs = append(errs, errors.New("keystore.password is required"))
	}
	errs = append(errs, c.Storage.validate()...)
	if c.MatrixEnabled() && (c.Matrix.User == "" || c.Matrix.Password == "") {
		errs = append(errs, errors.New("matrix.user and matrix.password are required with matrix.homeserver"))
	}
	if c.Matrix.JoinInitialDelay.Duration <= 0 || c.Matrix.JoinMaxDelay.Duration < c.Matrix.JoinInitialDelay.Duration {
		errs = append(errs, errors.New("matrix.join_max_delay must be at least join_initial_delay, which must be positive"))
	}
	if c.Relay.QueueSize < 1 || c.Relay.Workers < 1 || c.Relay.FetchWorkers < 1 {
		errs = append(errs, errors.New("relay.queue_size, relay.workers and relay.fetch_workers must be at least 1"))
	}
	if c.Relay.AnnounceDelay.Duration < 0 {
		errs = append(errs, errors.New("relay.announce_delay must not be negative"))
	}
	return errors.Join(errs...)
}

func (s Storage) validate() []error {
	var errs []error
	if s.Retries < 1 {
		errs = append(errs, errors.New("storage.retries must be at least 1"))
	}
	switch s.Backend {
	case BackendDir:
		if s.Dir == "" {
			errs = append(errs, errors.New("storage.dir is required for the dir backend"))
		}
	case BackendS3:
		if s.S3.Bucket == "" || s.S3.Region == "" {
			errs = append(errs, errors.New("storage.s3.bucket and storage.s3.region are required"))
		}
		if (s.S3.AccessKeyID == "") != (s.S3.SecretAccessKey == "") {
			errs = append(errs, errors.New("storage.s3.access_key_id and secret_access_key must be set together"))
		}
	case BackendAzure:
		if s.Azure.Account == "" || s.Azure.AccountKey == "" || s.Azure.Container == "" {
			errs = append(errs, errors.New("storage.azure.account, account_key and container are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q", s.Backend))
	}
	return errs
}
