package snmp

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gosnmp/gosnmp"
)

const (
	defaultPort      = 162
	defaultCommunity = "public"

	versionV2c = "v2c"
	versionV3  = "v3"
)

// Destination is the decoded destination_config of an snmp job.
type Destination struct {
	Host           string `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port           int    `json:"port" validate:"min=0,max=65535"`
	Version        string `json:"version" validate:"omitempty,oneof=v2c v3"`
	Community      string `json:"community"`
	User           string `json:"user" validate:"required_if=Version v3"`
	AuthProtocol   string `json:"auth_protocol" validate:"omitempty,oneof=MD5 SHA SHA256"`
	AuthPassphrase string `json:"auth_passphrase" validate:"required_with=AuthProtocol,omitempty,min=8"`
	PrivProtocol   string `json:"priv_protocol" validate:"omitempty,oneof=DES AES"`
	PrivPassphrase string `json:"priv_passphrase" validate:"required_with=PrivProtocol,omitempty,min=8"`
	EngineID       string `json:"engine_id" validate:"required_if=Version v3,omitempty,hexadecimal"`
}

var validate = validator.New()

// ParseDestination decodes and validates raw, filling defaults.
func ParseDestination(raw json.RawMessage) (*Destination, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("snmp: destination config is empty")
	}
	var d Destination
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("snmp: invalid destination config: %w", err)
	}
	d.Host = strings.TrimSpace(d.Host)
	d.Version = strings.ToLower(strings.TrimSpace(d.Version))
	d.AuthProtocol = strings.ToUpper(d.AuthProtocol)
	d.PrivProtocol = strings.ToUpper(d.PrivProtocol)
	if d.Version == "" {
		d.Version = versionV2c
	}
	if d.Port == 0 {
		d.Port = defaultPort
	}
	if d.Community == "" {
		d.Community = defaultCommunity
	}
	if err := validate.Struct(d); err != nil {
		return nil, fmt.Errorf("snmp: invalid destination config: %w", err)
	}
	if d.PrivProtocol != "" && d.AuthProtocol == "" {
		return nil, fmt.Errorf("snmp: invalid destination config: priv_protocol requires auth_protocol")
	}
	return &d, nil
}

// apply copies the version and security settings of d onto g.
func (d *Destination) apply(g *gosnmp.GoSNMP) error {
	if d.Version != versionV3 {
		g.Version = gosnmp.Version2c
		g.Community = d.Community
		return nil
	}

	engineID, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(d.EngineID), "0x"))
	if err != nil {
		return fmt.Errorf("snmp: invalid engine_id: %w", err)
	}

	params := &gosnmp.UsmSecurityParameters{
		UserName:                 d.User,
		AuthoritativeEngineID:    string(engineID),
		AuthoritativeEngineBoots: 1,
		AuthenticationProtocol:   gosnmp.NoAuth,
		PrivacyProtocol:          gosnmp.NoPriv,
	}
	flags := gosnmp.NoAuthNoPriv

	switch d.AuthProtocol {
	case "MD5":
		params.AuthenticationProtocol = gosnmp.MD5
	case "SHA":
		params.AuthenticationProtocol = gosnmp.SHA
	case "SHA256":
		params.AuthenticationProtocol = gosnmp.SHA256
	}
	if params.AuthenticationProtocol != gosnmp.NoAuth {
		params.AuthenticationPassphrase = d.AuthPassphrase
		flags = gosnmp.AuthNoPriv
	}

	switch d.PrivProtocol {
	case "DES":
		params.PrivacyProtocol = gosnmp.DES
	case "AES":
		params.PrivacyProtocol = gosnmp.AES
	}
	if params.PrivacyProtocol != gosnmp.NoPriv {
		params.PrivacyPassphrase = d.PrivPassphrase
		flags = gosnmp.AuthPriv
	}

	g.Version = gosnmp.Version3
	g.SecurityModel = gosnmp.UserSecurityModel
	g.MsgFlags = flags
	g.SecurityParameters = params
	return nil
}
