// Package bridge wraps the sandbox's privileged operations behind identity
// verification and permission pre-checks. The real bridges are never
// invoked with an unverified plugin id.
package bridge

import "sort"

// Capability names one privileged operation a plugin can request.
type Capability string

const (
	Camera           Capability = "camera"
	Network          Capability = "network"
	Printer          Capability = "printer"
	BluetoothConnect Capability = "bluetooth_connect"
	FileRead         Capability = "file_read"
	FileWrite        Capability = "file_write"
	FileDelete       Capability = "file_delete"
	FileList         Capability = "file_list"
)

// permissionTags maps each capability to its Android-style permission
// string. The mapping is a static table, never inferred from names.
var permissionTags = map[Capability]string{
	Camera:           "CAMERA",
	Network:          "INTERNET",
	Printer:          "PRINTER",
	BluetoothConnect: "BLUETOOTH_CONNECT",
	FileRead:         "FILE_READ",
	FileWrite:        "FILE_WRITE",
	FileDelete:       "FILE_DELETE",
	FileList:         "FILE_LIST",
}

// methodNames maps each capability to its IPC method name, the key the
// rate limiter and behavior recorder count calls under.
var methodNames = map[Capability]string{
	Camera:           "openCamera",
	Network:          "networkRequest",
	Printer:          "printDocument",
	BluetoothConnect: "bluetoothConnect",
	FileRead:         "readFile",
	FileWrite:        "writeFile",
	FileDelete:       "deleteFile",
	FileList:         "listFiles",
}

// Permission returns the permission tag checked before the capability is
// exercised. Unknown capabilities return the empty string and fail the
// permission check.
func (c Capability) Permission() string { return permissionTags[c] }

// KnownPermissions returns every permission tag a declarative package may
// request, sorted for stable output.
func KnownPermissions() []string {
	tags := make([]string, 0, len(permissionTags))
	for _, tag := range permissionTags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Method returns the capability's IPC method name.
func (c Capability) Method() string { return methodNames[c] }
