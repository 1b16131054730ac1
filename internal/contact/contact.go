// Package contact writes and removes the scheduler's contact file: a
// serialised key-value record whose presence indicates a running
// instance (spec.md §6 "Contact file").
package contact

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// APIVersion is the contact file schema version this scheduler writes.
const APIVersion = 1

// Data is every field written to the contact file.
type Data struct {
	Host            string
	WorkflowID      string
	Owner           string
	Port            int
	PID             int
	CommandLine     string
	PublishPort     int
	RunDir          string
	UUID            string
	Version         string
	SSHCommand      string
	InstallPath     string
	LoginShell      bool
}

// Field names as written in the contact file, one per line as
// "KEY=value", sorted for deterministic output.
const (
	keyAPI         = "CYLC_API"
	keyHost        = "CYLC_WORKFLOW_HOST"
	keyName        = "CYLC_WORKFLOW_ID"
	keyOwner       = "CYLC_WORKFLOW_OWNER"
	keyPort        = "CYLC_WORKFLOW_PORT"
	keyPID         = "CYLC_WORKFLOW_PID"
	keyCommand     = "CYLC_WORKFLOW_COMMAND"
	keyPublishPort = "CYLC_WORKFLOW_PUBLISH_PORT"
	keyRunDir      = "CYLC_WORKFLOW_RUN_DIR_ON_WORKFLOW_HOST"
	keyUUID        = "CYLC_WORKFLOW_UUID"
	keyVersion     = "CYLC_VERSION"
	keySSHCommand  = "CYLC_WORKFLOW_SSH_COMMAND"
	keyInstallPath = "CYLC_WORKFLOW_INSTALL_PATH"
	keyLoginShell  = "CYLC_WORKFLOW_USE_LOGIN_SHELL"
)

// NewData populates a Data record from the running process plus the
// caller-supplied workflow identity, generating a fresh UUID.
func NewData(workflowID, owner, runDir, sshCommand, installPath string, loginShell bool, port, publishPort int) Data {
	return Data{
		Host:        hostname(),
		WorkflowID:  workflowID,
		Owner:       owner,
		Port:        port,
		PID:         os.Getpid(),
		CommandLine: strings.Join(os.Args, " "),
		PublishPort: publishPort,
		RunDir:      runDir,
		UUID:        uuid.NewString(),
		Version:     version(),
		SSHCommand:  sshCommand,
		InstallPath: installPath,
		LoginShell:  loginShell,
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

// buildVersion is overridable at link time (-ldflags "-X ...=vX.Y.Z");
// defaults to "unknown" in dev builds.
var buildVersion = "unknown"

func version() string { return buildVersion }

func (d Data) fields() map[string]string {
	return map[string]string{
		keyAPI:         strconv.Itoa(APIVersion),
		keyHost:        d.Host,
		keyName:        d.WorkflowID,
		keyOwner:       d.Owner,
		keyPort:        strconv.Itoa(d.Port),
		keyPID:         strconv.Itoa(d.PID),
		keyCommand:     d.CommandLine,
		keyPublishPort: strconv.Itoa(d.PublishPort),
		keyRunDir:      d.RunDir,
		keyUUID:        d.UUID,
		keyVersion:     d.Version,
		keySSHCommand:  d.SSHCommand,
		keyInstallPath: d.InstallPath,
		keyLoginShell:  strconv.FormatBool(d.LoginShell),
	}
}

// FilePath returns the contact file's location under runDir.
func FilePath(runDir string) string {
	return filepath.Join(runDir, ".service", "contact")
}

// Write serialises data as sorted "KEY=value" lines and writes it to
// runDir's contact file, creating the containing directory if needed.
// Per spec.md §6, presence of this file indicates a running instance;
// detecting a pre-existing one is the caller's responsibility before
// calling Write (it would indicate a workflow already running).
func Write(runDir string, data Data) error {
	path := FilePath(runDir)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("contact: mkdir: %w", err)
	}

	fields := data.fields()
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%s\n", k, fields[k])
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0600); err != nil {
		return fmt.Errorf("contact: write: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("contact: rename: %w", err)
	}
	return nil
}

// Read parses an existing contact file back into key/value pairs, for
// clients checking whether a workflow is already running.
func Read(runDir string) (map[string]string, error) {
	raw, err := os.ReadFile(FilePath(runDir))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = parts[1]
	}
	return out, nil
}

// Exists reports whether a contact file is present, per spec.md §6
// "Presence indicates a running instance".
func Exists(runDir string) bool {
	_, err := os.Stat(FilePath(runDir))
	return err == nil
}

// Remove deletes the contact file at shutdown. Per spec.md §5 "Removing
// the workflow contact file" happens last of all in the shutdown
// sequence; a missing file is not an error.
func Remove(runDir string) error {
	err := os.Remove(FilePath(runDir))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("contact: remove: %w", err)
	}
	return nil
}
