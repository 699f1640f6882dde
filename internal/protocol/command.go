package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Action names a SafeCommand operation. The agent decodes command_type as an
// internally-tagged union on the "action" field.
type Action string

const (
	ActionProcessList    Action = "ProcessList"
	ActionProcessKill    Action = "ProcessKill"
	ActionServiceList    Action = "ServiceList"
	ActionServiceStatus  Action = "ServiceStatus"
	ActionServiceRestart Action = "ServiceRestart"

	ActionPackageList    Action = "PackageList"
	ActionPackageSearch  Action = "PackageSearch"
	ActionPackageInstall Action = "PackageInstall"
	ActionPackageRemove  Action = "PackageRemove"
	ActionPackageUpdate  Action = "PackageUpdate"

	ActionSystemInfo        Action = "SystemInfo"
	ActionDiskUsage         Action = "DiskUsage"
	ActionNetworkInterfaces Action = "NetworkInterfaces"

	// Health probes
	ActionCheckDiskSpace           Action = "CheckDiskSpace"
	ActionCheckResourceUsage       Action = "CheckResourceUsage"
	ActionCheckServiceStatus       Action = "CheckServiceStatus"
	ActionCheckNetworkConnectivity Action = "CheckNetworkConnectivity"
	ActionCheckSecurityUpdates     Action = "CheckSecurityUpdates"

	ActionDiskCleanup Action = "DiskCleanup"
)

type actionTraits struct {
	// recoverStdout: the agent reports structured output on stdout only.
	recoverStdout bool
	// autoCheck: results feed the auto-check signal sink.
	autoCheck bool
}

var actions = map[Action]actionTraits{
	ActionProcessList:    {},
	ActionProcessKill:    {},
	ActionServiceList:    {recoverStdout: true},
	ActionServiceStatus:  {},
	ActionServiceRestart: {},

	ActionPackageList:    {recoverStdout: true},
	ActionPackageSearch:  {},
	ActionPackageInstall: {},
	ActionPackageRemove:  {},
	ActionPackageUpdate:  {},

	ActionSystemInfo:        {recoverStdout: true},
	ActionDiskUsage:         {recoverStdout: true},
	ActionNetworkInterfaces: {},

	ActionCheckDiskSpace:           {recoverStdout: true, autoCheck: true},
	ActionCheckResourceUsage:       {recoverStdout: true, autoCheck: true},
	ActionCheckServiceStatus:       {recoverStdout: true, autoCheck: true},
	ActionCheckNetworkConnectivity: {recoverStdout: true, autoCheck: true},
	ActionCheckSecurityUpdates:     {recoverStdout: true, autoCheck: true},

	ActionDiskCleanup: {recoverStdout: true, autoCheck: true},
}

// Valid reports whether a is part of the closed action set.
func (a Action) Valid() bool {
	_, ok := actions[a]
	return ok
}

// RecoversStdout reports whether structured data for a may arrive on stdout.
func (a Action) RecoversStdout() bool {
	return actions[a].recoverStdout
}

// AutoCheck reports whether results of a are forwarded as auto-check signals.
func (a Action) AutoCheck() bool {
	return actions[a].autoCheck
}

// Action-specific parameters. Each is flattened next to "action" on the wire.

type ProcessListParams struct {
	Limit int `json:"limit,omitempty"`
}

type ProcessKillParams struct {
	PID    int `json:"pid"`
	Signal int `json:"signal,omitempty"`
}

type ServiceParams struct {
	Service string `json:"service"`
}

type PackageParams struct {
	Package string `json:"package"`
}

type PackageSearchParams struct {
	Query string `json:"query"`
}

type DiskUsageParams struct {
	Path string `json:"path,omitempty"`
}

type CheckDiskSpaceParams struct {
	Path             string `json:"path,omitempty"`
	ThresholdPercent int    `json:"threshold_percent,omitempty"`
}

type CheckServiceStatusParams struct {
	Services []string `json:"services"`
}

type CheckNetworkConnectivityParams struct {
	Hosts []string `json:"hosts,omitempty"`
}

type DiskCleanupParams struct {
	Targets []string `json:"targets,omitempty"`
	DryRun  bool     `json:"dry_run,omitempty"`
}

var (
	// ErrUnknownAction is returned for actions outside the closed set.
	ErrUnknownAction = errors.New("unknown action")
	// ErrInvalidParams is returned when params do not encode to a JSON object
	// or try to override the action tag.
	ErrInvalidParams = errors.New("invalid command params")
	// ErrEmptyCommand is returned for an UnsafeCommand without a command line.
	ErrEmptyCommand = errors.New("empty raw command")
)

// Command is anything the dispatcher can put on the wire.
type Command interface {
	// Encode renders the command as a single newline-terminated line using id.
	Encode(id string) ([]byte, error)
	// Action returns the safe action, or "" for unsafe commands.
	Action() Action
	// Timeout is how long the caller is willing to wait for the response.
	Timeout() time.Duration
}

// SafeCommand runs one of the named actions with typed parameters.
type SafeCommand struct {
	Name   Action
	Params any
	Wait   time.Duration
}

// Action implements Command.
func (c SafeCommand) Action() Action { return c.Name }

// Timeout implements Command.
func (c SafeCommand) Timeout() time.Duration { return c.Wait }

// Validate checks the action against the closed set and the params shape.
func (c SafeCommand) Validate() error {
	if !c.Name.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownAction, c.Name)
	}
	_, err := flattenAction(c.Name, c.Params)
	return err
}

type safeWire struct {
	Type        MessageType     `json:"type"`
	ID          string          `json:"id"`
	CommandType json.RawMessage `json:"command_type"`
	Params      *struct{}       `json:"params"`
	Timeout     int64           `json:"timeout"`
}

// Encode implements Command.
func (c SafeCommand) Encode(id string) ([]byte, error) {
	if !c.Name.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, c.Name)
	}
	commandType, err := flattenAction(c.Name, c.Params)
	if err != nil {
		return nil, err
	}
	return encodeLine(safeWire{
		Type:        MsgSafeCommand,
		ID:          id,
		CommandType: commandType,
		Timeout:     TimeoutSeconds(c.Wait),
	})
}

// UnsafeOptions are the optional knobs of an UnsafeCommand. Zero values are
// omitted from the wire.
type UnsafeOptions struct {
	Shell      string
	WorkingDir string
	Env        map[string]string
}

// UnsafeCommand runs an arbitrary command line inside the guest.
type UnsafeCommand struct {
	RawCommand string
	Options    UnsafeOptions
	Wait       time.Duration
}

// Action implements Command.
func (c UnsafeCommand) Action() Action { return "" }

// Timeout implements Command.
func (c UnsafeCommand) Timeout() time.Duration { return c.Wait }

type unsafeWire struct {
	Type       MessageType       `json:"type"`
	ID         string            `json:"id"`
	RawCommand string            `json:"raw_command"`
	Shell      string            `json:"shell,omitempty"`
	Timeout    int64             `json:"timeout"`
	WorkingDir string            `json:"working_dir,omitempty"`
	EnvVars    map[string]string `json:"env_vars,omitempty"`
}

// Encode implements Command.
func (c UnsafeCommand) Encode(id string) ([]byte, error) {
	if c.RawCommand == "" {
		return nil, ErrEmptyCommand
	}
	return encodeLine(unsafeWire{
		Type:       MsgUnsafeCommand,
		ID:         id,
		RawCommand: c.RawCommand,
		Shell:      c.Options.Shell,
		Timeout:    TimeoutSeconds(c.Wait),
		WorkingDir: c.Options.WorkingDir,
		EnvVars:    c.Options.Env,
	})
}

// TimeoutSeconds converts a caller timeout to the whole seconds the agent
// expects, rounding down.
func TimeoutSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(d / time.Second)
}

// flattenAction produces {"action":"<name>", ...params} with the params'
// fields inlined next to the tag.
func flattenAction(name Action, params any) (json.RawMessage, error) {
	tag, err := json.Marshal(string(name))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(`{"action":`)
	buf.Write(tag)

	if params != nil {
		raw, err := marshalNoEscape(params)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
		}
		raw = bytes.TrimSpace(raw)
		if !bytes.Equal(raw, []byte("null")) {
			if len(raw) < 2 || raw[0] != '{' {
				return nil, fmt.Errorf("%w: params for %s must be an object", ErrInvalidParams, name)
			}
			var fields map[string]json.RawMessage
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
			}
			if _, clash := fields["action"]; clash {
				return nil, fmt.Errorf("%w: params may not set \"action\"", ErrInvalidParams)
			}
			inner := bytes.TrimSpace(raw[1 : len(raw)-1])
			if len(inner) > 0 {
				buf.WriteByte(',')
				buf.Write(inner)
			}
		}
	}

	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// encodeLine marshals v and terminates it with a single newline.
func encodeLine(v any) ([]byte, error) {
	raw, err := marshalNoEscape(v)
	if err != nil {
		return nil, err
	}
	return append(raw, '\n'), nil
}
