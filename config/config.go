// Package config is the ambient configuration loader: a flat, env-var
// driven struct covering every key spec.md §6 recognizes.
//
// Grounded on lamassuiot-attic-lamassu-dms-enroller's
// backend/pkg/ca/configs/config.go (a bare struct plus
// envconfig.Process(prefix, &cfg)), adopted in place of the teacher's own
// flag-based cmd/ironhand/cmd/server.go configuration since spec.md's
// keys are a flat list of named scalars, not a YAML document.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment-variable prefix passed to envconfig.Process,
// e.g. PVACMS_DB_PATH for the DBPath field.
const Prefix = "pvacms"

// Config holds every recognized configuration key of spec.md §6.
type Config struct {
	// CertStatusValidityMins is the OCSP response validity window in
	// minutes (default 30).
	CertStatusValidityMins int `envconfig:"cert_status_validity_mins" default:"30"`

	// RequireApprovalClient, RequireApprovalServer, RequireApprovalGateway
	// are the per-role require_approval flags (default true for all).
	RequireApprovalClient  bool `envconfig:"require_approval_client" default:"true"`
	RequireApprovalServer  bool `envconfig:"require_approval_server" default:"true"`
	RequireApprovalGateway bool `envconfig:"require_approval_gateway" default:"true"`

	// DBPath is the Certificate Store's database path (default certs.db).
	DBPath string `envconfig:"db_path" default:"certs.db"`

	// CACertPath, CAKeyPath, CAKeyPassword locate the service CA's
	// certificate and private key.
	CACertPath    string `envconfig:"ca_cert_path"`
	CAKeyPath     string `envconfig:"ca_key_path"`
	CAKeyPassword string `envconfig:"ca_key_password"`

	// AdminCertPath, AdminKeyPath locate the administrative identity used
	// to authorize status transitions.
	AdminCertPath string `envconfig:"admin_cert_path"`
	AdminKeyPath  string `envconfig:"admin_key_path"`

	// ACFFilePath is the access-control-file path gating admin RPCs.
	ACFFilePath string `envconfig:"acf_file_path"`

	// Auto-generation subjects for a self-provisioned CA and PVACMS
	// service identity, per spec.md §6.
	CACommonName     string `envconfig:"ca_common_name" default:"PVACMS Root CA"`
	CAOrganization   string `envconfig:"ca_organization"`
	CAOrgUnit        string `envconfig:"ca_org_unit"`
	CACountry        string `envconfig:"ca_country"`
	PVACMSCommonName string `envconfig:"pvacms_common_name" default:"PVACMS"`
	PVACMSOrg        string `envconfig:"pvacms_organization"`
	PVACMSOrgUnit    string `envconfig:"pvacms_org_unit"`
	PVACMSCountry    string `envconfig:"pvacms_country"`

	// AllowSelfSignedCA permits a self-signed OCSP signer chain client-side.
	AllowSelfSignedCA bool `envconfig:"allow_self_signed_ca" default:"false"`

	// TrustedCADir is an optional additional trust root directory.
	TrustedCADir string `envconfig:"trusted_ca_dir"`

	// ListenAddr is the management channel's bind address, the ambient
	// addition a real deployment needs beyond spec.md's named keys.
	ListenAddr string `envconfig:"listen_addr" default:":9876"`

	// LogLevel controls the slog handler's minimum level (debug, info,
	// warn, error).
	LogLevel string `envconfig:"log_level" default:"info"`
}

// Load reads Config from the process environment under Prefix (e.g.
// PVACMS_DB_PATH), applying the defaults declared above.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}
