package amnezia

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/polarpass/teller/internal/provisioner"
	"github.com/polarpass/teller/pkg/logging"
	"github.com/polarpass/teller/pkg/models"
)

const (
	readConfigCmd    = "docker exec amnezia-xray cat /opt/amnezia/xray/server.json"
	readPublicKeyCmd = "docker exec amnezia-xray cat /opt/amnezia/xray/xray_public.key"
	readShortIDCmd   = "docker exec amnezia-xray cat /opt/amnezia/xray/xray_short_id.key"
	restartCmd       = "docker restart amnezia-xray"
)

// Provisioner manages xray credentials on Amnezia docker hosts over SSH.
// Each operation dials its own connection and closes it on all paths.
type Provisioner struct {
	db       *sql.DB
	logger   logging.Logger
	template string
	timeout  time.Duration
}

// New creates an xray provisioner. templatePath points at the client key
// template; when empty or unreadable the built-in template is used.
func New(database *sql.DB, log logging.Logger, templatePath string) *Provisioner {
	template := ""
	if templatePath != "" {
		raw, err := os.ReadFile(templatePath)
		if err != nil {
			log.WithError(err).WithField("path", templatePath).Warn("Key template unreadable, using built-in")
		} else {
			template = string(raw)
		}
	}
	return &Provisioner{
		db:       database,
		logger:   log,
		template: template,
		timeout:  20 * time.Second,
	}
}

// Provision creates a client on the least-loaded server and returns the
// exported vpn:// key.
func (p *Provisioner) Provision(ctx context.Context, accountID string, tariff models.Tariff) (*provisioner.Credential, error) {
	server, err := p.leastLoadedServer(ctx)
	if err != nil {
		return nil, err
	}

	clientID := uuid.New().String()

	conn, err := p.dial(server)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	configJSON, err := runCommand(conn, readConfigCmd)
	if err != nil {
		return nil, fmt.Errorf("failed to read server config: %w", err)
	}
	publicKey, err := runCommand(conn, readPublicKeyCmd)
	if err != nil {
		return nil, fmt.Errorf("failed to read server public key: %w", err)
	}
	shortID, err := runCommand(conn, readShortIDCmd)
	if err != nil {
		return nil, fmt.Errorf("failed to read server short id: %w", err)
	}

	updated, err := AddClient([]byte(configJSON), clientID)
	if err != nil {
		return nil, err
	}
	if err := p.writeConfig(conn, updated); err != nil {
		return nil, err
	}

	key, err := ExportKey(p.template, clientID, server,
		strings.TrimSpace(publicKey), strings.TrimSpace(shortID))
	if err != nil {
		return nil, err
	}

	p.logger.WithFields(logging.Fields{
		"server_id":  server.ID,
		"account_id": accountID,
		"client_id":  clientID,
	}).Info("Provisioned xray client")

	return &provisioner.Credential{
		Key:      key,
		Protocol: models.ProtocolXray,
		ServerID: &server.ID,
		Username: clientID,
	}, nil
}

// Renew is a no-op for xray: expiry is enforced locally, the server-side
// client list only changes on provision and revoke.
func (p *Provisioner) Renew(ctx context.Context, key models.AccessKey, tariff models.Tariff) error {
	return nil
}

// Revoke removes the client from its server config and restarts the
// container.
func (p *Provisioner) Revoke(ctx context.Context, key models.AccessKey) error {
	if key.ServerID == nil {
		return fmt.Errorf("access key %s has no server", key.ID)
	}

	var server models.VPNServer
	err := p.db.QueryRowContext(ctx, `
		SELECT id, host, username, password, xray_port, xray_server_name
		FROM teller.vpn_servers WHERE id = $1
	`, *key.ServerID).Scan(&server.ID, &server.Host, &server.Username,
		&server.Password, &server.XrayPort, &server.XrayServerName)
	if err != nil {
		return fmt.Errorf("failed to load server for key %s: %w", key.ID, err)
	}

	conn, err := p.dial(server)
	if err != nil {
		return err
	}
	defer conn.Close()

	configJSON, err := runCommand(conn, readConfigCmd)
	if err != nil {
		return fmt.Errorf("failed to read server config: %w", err)
	}
	updated, err := RemoveClient([]byte(configJSON), key.VPNUsername)
	if err != nil {
		return err
	}
	if err := p.writeConfig(conn, updated); err != nil {
		return err
	}

	p.logger.WithFields(logging.Fields{
		"server_id": server.ID,
		"client_id": key.VPNUsername,
	}).Info("Revoked xray client")
	return nil
}

// leastLoadedServer picks the server with the fewest active keys.
func (p *Provisioner) leastLoadedServer(ctx context.Context) (models.VPNServer, error) {
	var server models.VPNServer
	err := p.db.QueryRowContext(ctx, `
		SELECT s.id, s.host, s.username, s.password, s.xray_port, s.xray_server_name
		FROM teller.vpn_servers s
		LEFT JOIN teller.access_keys k ON k.server_id = s.id AND k.status = 'active'
		GROUP BY s.id
		ORDER BY COUNT(k.id) ASC
		LIMIT 1
	`).Scan(&server.ID, &server.Host, &server.Username, &server.Password,
		&server.XrayPort, &server.XrayServerName)
	if err == sql.ErrNoRows {
		return server, fmt.Errorf("no vpn servers configured")
	}
	if err != nil {
		return server, fmt.Errorf("failed to pick server: %w", err)
	}
	return server, nil
}

func (p *Provisioner) dial(server models.VPNServer) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: server.Username,
		Auth: []ssh.AuthMethod{
			ssh.Password(server.Password),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         p.timeout,
	}
	conn, err := ssh.Dial("tcp", server.Host+":22", cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", server.Host, err)
	}
	return conn, nil
}

func (p *Provisioner) writeConfig(conn *ssh.Client, config []byte) error {
	escaped := strings.ReplaceAll(string(config), "'", `'\''`)
	cmd := fmt.Sprintf(
		"echo '%s' | docker exec -i amnezia-xray sh -c 'cat > /opt/amnezia/xray/server.json'",
		escaped,
	)
	if _, err := runCommand(conn, cmd); err != nil {
		return fmt.Errorf("failed to write server config: %w", err)
	}
	if _, err := runCommand(conn, restartCmd); err != nil {
		return fmt.Errorf("failed to restart container: %w", err)
	}
	return nil
}

func runCommand(conn *ssh.Client, cmd string) (string, error) {
	session, err := conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("failed to open session: %w", err)
	}
	defer session.Close()

	out, err := session.Output(cmd)
	if err != nil {
		return "", fmt.Errorf("command failed: %w", err)
	}
	return string(out), nil
}
