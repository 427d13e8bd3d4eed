//go:build !baremetal

package link

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"
	"tinygo.org/x/bluetooth"
)

const (
	bluezBus          = "org.bluez"
	bluezGattChar     = "org.bluez.GattCharacteristic1"
	dbusObjectManager = "org.freedesktop.DBus.ObjectManager"
)

// ackWriter issues BlueZ write requests over D-Bus. tinygo's BlueZ backend
// only exposes write-without-response, which the adapter never acknowledges.
func ackWriter(address string, char bluetooth.DeviceCharacteristic) (func([]byte) error, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("link: connect to system bus: %w", err)
	}

	var objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant
	call := conn.Object(bluezBus, "/").Call(dbusObjectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, fmt.Errorf("link: GetManagedObjects: %w", call.Err)
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("link: parse managed objects: %w", err)
	}

	charUUID := char.UUID().String()
	path, ok := findCharacteristicPath(objects, address, charUUID)
	if !ok {
		return nil, fmt.Errorf("link: characteristic %s not found on %s", charUUID, address)
	}
	slog.Debug("[BLE] write path resolved", "uuid", charUUID, "path", path)

	obj := conn.Object(bluezBus, path)
	return func(data []byte) error {
		call := obj.Call(bluezGattChar+".WriteValue", 0, data, map[string]dbus.Variant{
			"type": dbus.MakeVariant("request"),
		})
		if call.Err != nil {
			return fmt.Errorf("link: write request: %w", call.Err)
		}
		return nil
	}, nil
}

// findCharacteristicPath returns the object path of the GATT characteristic
// with charUUID under the device at address.
// Example: "AA:BB:CC:DD:EE:FF" lives under "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func findCharacteristicPath(objects map[dbus.ObjectPath]map[string]map[string]dbus.Variant, address, charUUID string) (dbus.ObjectPath, bool) {
	devicePart := "/dev_" + strings.ToUpper(strings.ReplaceAll(address, ":", "_")) + "/"
	want := strings.ToLower(charUUID)

	for path, ifaces := range objects {
		props, ok := ifaces[bluezGattChar]
		if !ok || !strings.Contains(string(path), devicePart) {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		if u, ok := v.Value().(string); ok && strings.ToLower(u) == want {
			return path, true
		}
	}
	return "", false
}
