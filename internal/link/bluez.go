package link

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	busName        = "org.bluez"
	adapterIface   = "org.bluez.Adapter1"
	deviceIface    = "org.bluez.Device1"
	gattCharIface  = "org.bluez.GattCharacteristic1"
	propsIface     = "org.freedesktop.DBus.Properties"
	propsSignal    = "org.freedesktop.DBus.Properties.PropertiesChanged"
	objManagerCall = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// Nordic UART Service characteristics used by the device.
const (
	WriteCharUUID  = "6e400002-b5a3-f393-e0a9-e50e24dcca9e"
	NotifyCharUUID = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"
)

const servicesPollInterval = 100 * time.Millisecond

type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlueZ is a Transport backed by the BlueZ daemon on the system D-Bus. The
// bus connection is opened lazily and re-opened if it goes away, so a
// missing bluetooth service surfaces as a failed attempt rather than a
// startup error.
type BlueZ struct {
	adapterPath dbus.ObjectPath
	log         *slog.Logger

	mu   sync.Mutex
	conn *dbus.Conn
}

// NewBlueZ returns a transport for the named adapter, e.g. "hci0".
func NewBlueZ(adapter string, logger *slog.Logger) *BlueZ {
	if logger == nil {
		logger = slog.Default()
	}
	return &BlueZ{
		adapterPath: dbus.ObjectPath("/org/bluez/" + adapter),
		log:         logger,
	}
}

// deviceObjectPath converts a MAC address like "AA:BB:CC:DD:EE:FF" to
// "/org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF".
func (b *BlueZ) deviceObjectPath(addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return dbus.ObjectPath(string(b.adapterPath) + "/dev_" + escaped)
}

func (b *BlueZ) bus() (*dbus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil && b.conn.Connected() {
		return b.conn, nil
	}
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	// Quick check that BlueZ is on the bus.
	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	found := false
	for _, n := range names {
		if n == busName {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, fmt.Errorf("org.bluez not found on system bus, is bluetooth.service running?")
	}
	b.conn = conn
	return conn, nil
}

// Close drops the bus connection.
func (b *BlueZ) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
}

// --- property helpers ---

func getProp(conn *dbus.Conn, path dbus.ObjectPath, iface, prop string) (dbus.Variant, error) {
	obj := conn.Object(busName, path)
	var v dbus.Variant
	err := obj.Call(propsIface+".Get", 0, iface, prop).Store(&v)
	return v, err
}

func getBool(conn *dbus.Conn, path dbus.ObjectPath, iface, prop string) (bool, error) {
	v, err := getProp(conn, path, iface, prop)
	if err != nil {
		return false, err
	}
	val, ok := v.Value().(bool)
	if !ok {
		return false, fmt.Errorf("property %s is not bool", prop)
	}
	return val, nil
}

func stringProp(props map[string]dbus.Variant, name string) string {
	v, ok := props[name]
	if !ok {
		return ""
	}
	s, _ := v.Value().(string)
	return s
}

func listObjects(ctx context.Context, conn *dbus.Conn) (managedObjects, error) {
	var objs managedObjects
	err := conn.Object(busName, "/").CallWithContext(ctx, objManagerCall, 0).Store(&objs)
	return objs, err
}

// --- discovery ---

// Discover runs an LE scan on the adapter for window and returns every
// device BlueZ knows about under it.
func (b *BlueZ) Discover(ctx context.Context, window time.Duration) ([]Peripheral, error) {
	conn, err := b.bus()
	if err != nil {
		return nil, err
	}
	adapter := conn.Object(busName, b.adapterPath)

	powered, err := getBool(conn, b.adapterPath, adapterIface, "Powered")
	if err != nil {
		return nil, fmt.Errorf("read adapter state: %w", err)
	}
	if !powered {
		return nil, fmt.Errorf("adapter %s is powered off", b.adapterPath)
	}

	filter := map[string]dbus.Variant{"Transport": dbus.MakeVariant("le")}
	if err := adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		b.log.Debug("set discovery filter", "error", err)
	}
	// Already-discovering is fine; the device cache is still read below.
	if err := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0).Err; err != nil {
		b.log.Debug("start discovery", "error", err)
	} else {
		defer adapter.Call(adapterIface+".StopDiscovery", 0)
	}

	if err := sleep(ctx, window); err != nil {
		return nil, err
	}

	objs, err := listObjects(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return presentPeripherals(objs, b.adapterPath), nil
}

// presentPeripherals picks the devices under adapter that are actually in
// range: those advertising during the scan (BlueZ only sets RSSI then) and
// those already connected, which no longer advertise. Stale cache entries
// are skipped.
func presentPeripherals(objs managedObjects, adapter dbus.ObjectPath) []Peripheral {
	prefix := string(adapter) + "/dev_"
	var out []Peripheral
	for path, ifaces := range objs {
		props, ok := ifaces[deviceIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		_, seen := props["RSSI"]
		connected, _ := props["Connected"].Value().(bool)
		if !seen && !connected {
			continue
		}
		name := stringProp(props, "Name")
		if name == "" {
			name = stringProp(props, "Alias")
		}
		out = append(out, Peripheral{Address: stringProp(props, "Address"), Name: name})
	}
	return out
}

// --- connection ---

// Dial connects to the device, waits for GATT services to resolve and
// locates the UART characteristics.
func (b *BlueZ) Dial(ctx context.Context, address string, onDrop func()) (Conn, error) {
	conn, err := b.bus()
	if err != nil {
		return nil, err
	}
	devPath := b.deviceObjectPath(address)
	dev := conn.Object(busName, devPath)

	if err := dev.CallWithContext(ctx, deviceIface+".Connect", 0).Err; err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := waitServicesResolved(ctx, conn, devPath); err != nil {
		dev.Call(deviceIface+".Disconnect", 0)
		return nil, err
	}

	tx, rx, err := findCharacteristics(ctx, conn, devPath)
	if err != nil {
		dev.Call(deviceIface+".Disconnect", 0)
		return nil, err
	}

	g := &gattConn{
		bus:     conn,
		devPath: devPath,
		txPath:  tx,
		rxPath:  rx,
		onDrop:  onDrop,
		signals: make(chan *dbus.Signal, 32),
		stop:    make(chan struct{}),
		log:     b.log.With("device", string(devPath)),
	}
	if err := conn.AddMatchSignal(g.matchOptions()...); err != nil {
		dev.Call(deviceIface+".Disconnect", 0)
		return nil, fmt.Errorf("add signal match: %w", err)
	}
	conn.Signal(g.signals)
	go g.watch()
	return g, nil
}

func waitServicesResolved(ctx context.Context, conn *dbus.Conn, devPath dbus.ObjectPath) error {
	ticker := time.NewTicker(servicesPollInterval)
	defer ticker.Stop()
	for {
		resolved, err := getBool(conn, devPath, deviceIface, "ServicesResolved")
		if err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for services: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func findCharacteristics(ctx context.Context, conn *dbus.Conn, devPath dbus.ObjectPath) (tx, rx dbus.ObjectPath, err error) {
	objs, err := listObjects(ctx, conn)
	if err != nil {
		return "", "", fmt.Errorf("list objects: %w", err)
	}
	prefix := string(devPath) + "/"
	for path, ifaces := range objs {
		props, ok := ifaces[gattCharIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		switch strings.ToLower(stringProp(props, "UUID")) {
		case WriteCharUUID:
			tx = path
		case NotifyCharUUID:
			rx = path
		}
	}
	if tx == "" || rx == "" {
		return "", "", fmt.Errorf("UART characteristics not found under %s", devPath)
	}
	return tx, rx, nil
}

// gattConn is an open BlueZ GATT connection.
type gattConn struct {
	bus     *dbus.Conn
	devPath dbus.ObjectPath
	txPath  dbus.ObjectPath
	rxPath  dbus.ObjectPath
	log     *slog.Logger

	onDrop  func()
	signals chan *dbus.Signal
	stop    chan struct{}

	notifyMu sync.Mutex
	notify   func([]byte)

	closeOnce sync.Once
}

func (g *gattConn) matchOptions() []dbus.MatchOption {
	return []dbus.MatchOption{
		dbus.WithMatchInterface(propsIface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchPathNamespace(g.devPath),
	}
}

func (g *gattConn) Subscribe(fn func([]byte)) error {
	g.notifyMu.Lock()
	g.notify = fn
	g.notifyMu.Unlock()
	return g.bus.Object(busName, g.rxPath).Call(gattCharIface+".StartNotify", 0).Err
}

// Write uses the "command" write type (write without response).
func (g *gattConn) Write(b []byte) error {
	opts := map[string]dbus.Variant{"type": dbus.MakeVariant("command")}
	return g.bus.Object(busName, g.txPath).Call(gattCharIface+".WriteValue", 0, b, opts).Err
}

func (g *gattConn) Close() error {
	var err error
	g.closeOnce.Do(func() {
		close(g.stop)
		g.bus.RemoveSignal(g.signals)
		g.bus.RemoveMatchSignal(g.matchOptions()...)
		g.bus.Object(busName, g.rxPath).Call(gattCharIface+".StopNotify", 0)
		err = g.bus.Object(busName, g.devPath).Call(deviceIface+".Disconnect", 0).Err
	})
	return err
}

// watch routes PropertiesChanged signals: Connected=false on the device
// ends the session, Value on the notify characteristic is a notification.
func (g *gattConn) watch() {
	for {
		var sig *dbus.Signal
		select {
		case <-g.stop:
			return
		case sig = <-g.signals:
		}
		if sig == nil || sig.Name != propsSignal || len(sig.Body) < 2 {
			continue
		}
		// Body: [interface_name string, changed_props map[string]Variant, invalidated []string]
		iface, ok := sig.Body[0].(string)
		if !ok {
			continue
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			continue
		}

		switch {
		case sig.Path == g.devPath && iface == deviceIface:
			v, ok := changed["Connected"]
			if !ok {
				continue
			}
			if connected, ok := v.Value().(bool); ok && !connected {
				g.log.Debug("bluez reported disconnect")
				if g.onDrop != nil {
					g.onDrop()
				}
				return
			}

		case sig.Path == g.rxPath && iface == gattCharIface:
			v, ok := changed["Value"]
			if !ok {
				continue
			}
			data, ok := v.Value().([]byte)
			if !ok {
				continue
			}
			g.notifyMu.Lock()
			fn := g.notify
			g.notifyMu.Unlock()
			if fn != nil {
				fn(data)
			}
		}
	}
}
