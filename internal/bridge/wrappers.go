package bridge

import "context"

// The underlying privileged bridges. Implementations live with the host;
// the wrappers guarantee they only ever see verified plugin ids.

type CameraBridge interface {
	OpenCamera(ctx context.Context, pluginID string) error
}

type NetworkBridge interface {
	Fetch(ctx context.Context, pluginID, endpoint string) ([]byte, error)
}

type PrinterBridge interface {
	PrintDocument(ctx context.Context, pluginID, document string) error
}

type BluetoothBridge interface {
	Connect(ctx context.Context, pluginID, deviceID string) error
}

type FilesystemBridge interface {
	ReadFile(ctx context.Context, pluginID, path string) ([]byte, error)
	WriteFile(ctx context.Context, pluginID, path string, data []byte) error
	DeleteFile(ctx context.Context, pluginID, path string) error
	ListFiles(ctx context.Context, pluginID, dir string) ([]string, error)
}

// SecureCamera gates camera access.
type SecureCamera struct {
	gate *Gate
	real CameraBridge
}

func NewSecureCamera(gate *Gate, real CameraBridge) *SecureCamera {
	return &SecureCamera{gate: gate, real: real}
}

func (c *SecureCamera) OpenCamera(ctx context.Context, claimedPluginID string, cred Credential) error {
	d := c.gate.Authorize(claimedPluginID, cred, Camera)
	if !d.Allowed {
		return d.Deny(Camera)
	}
	return c.real.OpenCamera(ctx, d.PluginID)
}

// SecureNetwork gates outbound requests. Policy enforcement on the actual
// connection happens in the underlying bridge's transport; the wrapper
// contributes identity and permission checks plus endpoint observation.
type SecureNetwork struct {
	gate *Gate
	real NetworkBridge
}

func NewSecureNetwork(gate *Gate, real NetworkBridge) *SecureNetwork {
	return &SecureNetwork{gate: gate, real: real}
}

func (n *SecureNetwork) Fetch(ctx context.Context, claimedPluginID string, cred Credential, endpoint string) ([]byte, error) {
	d := n.gate.Authorize(claimedPluginID, cred, Network)
	if !d.Allowed {
		return nil, d.Deny(Network)
	}
	if r := n.gate.Recorder(); r != nil {
		r.RecordEndpoint(d.PluginID, endpoint)
	}
	return n.real.Fetch(ctx, d.PluginID, endpoint)
}

// SecurePrinter gates document printing.
type SecurePrinter struct {
	gate *Gate
	real PrinterBridge
}

func NewSecurePrinter(gate *Gate, real PrinterBridge) *SecurePrinter {
	return &SecurePrinter{gate: gate, real: real}
}

func (p *SecurePrinter) PrintDocument(ctx context.Context, claimedPluginID string, cred Credential, document string) error {
	d := p.gate.Authorize(claimedPluginID, cred, Printer)
	if !d.Allowed {
		return d.Deny(Printer)
	}
	return p.real.PrintDocument(ctx, d.PluginID, document)
}

// SecureBluetooth gates device connections.
type SecureBluetooth struct {
	gate *Gate
	real BluetoothBridge
}

func NewSecureBluetooth(gate *Gate, real BluetoothBridge) *SecureBluetooth {
	return &SecureBluetooth{gate: gate, real: real}
}

func (b *SecureBluetooth) Connect(ctx context.Context, claimedPluginID string, cred Credential, deviceID string) error {
	d := b.gate.Authorize(claimedPluginID, cred, BluetoothConnect)
	if !d.Allowed {
		return d.Deny(BluetoothConnect)
	}
	return b.real.Connect(ctx, d.PluginID, deviceID)
}

// SecureFilesystem gates file operations, each under its own capability.
type SecureFilesystem struct {
	gate *Gate
	real FilesystemBridge
}

func NewSecureFilesystem(gate *Gate, real FilesystemBridge) *SecureFilesystem {
	return &SecureFilesystem{gate: gate, real: real}
}

func (f *SecureFilesystem) ReadFile(ctx context.Context, claimedPluginID string, cred Credential, path string) ([]byte, error) {
	d := f.gate.Authorize(claimedPluginID, cred, FileRead)
	if !d.Allowed {
		return nil, d.Deny(FileRead)
	}
	f.recordPath(d.PluginID, path)
	return f.real.ReadFile(ctx, d.PluginID, path)
}

func (f *SecureFilesystem) WriteFile(ctx context.Context, claimedPluginID string, cred Credential, path string, data []byte) error {
	d := f.gate.Authorize(claimedPluginID, cred, FileWrite)
	if !d.Allowed {
		return d.Deny(FileWrite)
	}
	f.recordPath(d.PluginID, path)
	return f.real.WriteFile(ctx, d.PluginID, path, data)
}

func (f *SecureFilesystem) DeleteFile(ctx context.Context, claimedPluginID string, cred Credential, path string) error {
	d := f.gate.Authorize(claimedPluginID, cred, FileDelete)
	if !d.Allowed {
		return d.Deny(FileDelete)
	}
	f.recordPath(d.PluginID, path)
	return f.real.DeleteFile(ctx, d.PluginID, path)
}

func (f *SecureFilesystem) ListFiles(ctx context.Context, claimedPluginID string, cred Credential, dir string) ([]string, error) {
	d := f.gate.Authorize(claimedPluginID, cred, FileList)
	if !d.Allowed {
		return nil, d.Deny(FileList)
	}
	f.recordPath(d.PluginID, dir)
	return f.real.ListFiles(ctx, d.PluginID, dir)
}

func (f *SecureFilesystem) recordPath(pluginID, path string) {
	if r := f.gate.Recorder(); r != nil {
		r.RecordFileAccess(pluginID, path)
	}
}
