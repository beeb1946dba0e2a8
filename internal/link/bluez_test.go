package link

import (
	"sort"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
)

func device(addr, name string, extra map[string]dbus.Variant) map[string]map[string]dbus.Variant {
	props := map[string]dbus.Variant{
		"Address": dbus.MakeVariant(addr),
		"Alias":   dbus.MakeVariant(addr),
	}
	if name != "" {
		props["Name"] = dbus.MakeVariant(name)
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]map[string]dbus.Variant{deviceIface: props}
}

func TestPresentPeripherals(t *testing.T) {
	adapter := dbus.ObjectPath("/org/bluez/hci0")
	rssi := map[string]dbus.Variant{"RSSI": dbus.MakeVariant(int16(-60))}

	objs := managedObjects{
		"/org/bluez/hci0/dev_AA_AA_AA_AA_AA_AA": device("AA:AA:AA:AA:AA:AA", "CoolingSystem", rssi),
		// cached from an earlier scan, not in range now
		"/org/bluez/hci0/dev_BB_BB_BB_BB_BB_BB": device("BB:BB:BB:BB:BB:BB", "CoolingSystem", nil),
		// already connected, so not advertising
		"/org/bluez/hci0/dev_CC_CC_CC_CC_CC_CC": device("CC:CC:CC:CC:CC:CC", "", map[string]dbus.Variant{
			"Connected": dbus.MakeVariant(true),
		}),
		"/org/bluez/hci0/dev_DD_DD_DD_DD_DD_DD": device("DD:DD:DD:DD:DD:DD", "", map[string]dbus.Variant{
			"Connected": dbus.MakeVariant(false),
		}),
		// other adapter
		"/org/bluez/hci1/dev_EE_EE_EE_EE_EE_EE": device("EE:EE:EE:EE:EE:EE", "CoolingSystem", rssi),
		"/org/bluez/hci0": {adapterIface: {"Powered": dbus.MakeVariant(true)}},
	}

	got := presentPeripherals(objs, adapter)
	sort.Slice(got, func(i, j int) bool { return got[i].Address < got[j].Address })

	assert.Equal(t, []Peripheral{
		{Address: "AA:AA:AA:AA:AA:AA", Name: "CoolingSystem"},
		{Address: "CC:CC:CC:CC:CC:CC", Name: "CC:CC:CC:CC:CC:CC"},
	}, got)
}

func TestPresentPeripherals_StaleAddressIsNotFound(t *testing.T) {
	objs := managedObjects{
		"/org/bluez/hci0/dev_BB_BB_BB_BB_BB_BB": device("BB:BB:BB:BB:BB:BB", "CoolingSystem", nil),
	}
	found := presentPeripherals(objs, "/org/bluez/hci0")
	_, ok := selectPeripheral(found, "bb:bb:bb:bb:bb:bb", "")
	assert.False(t, ok)
}
