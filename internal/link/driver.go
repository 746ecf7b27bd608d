package link

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/exec"
	"strings"
)

var errNoAddress = errors.New("no usable IPv4 address")

// NetDriver connects a Linux network interface by running a connect
// command, nmcli by default. With no SSID and no custom command it
// assumes a wired or externally managed link and does nothing.
type NetDriver struct {
	Interface  string
	SSID       string
	Passphrase string

	// Command overrides the connect argv. The placeholders {interface},
	// {ssid} and {passphrase} are substituted in each argument.
	Command []string

	Logger *slog.Logger
}

// Connect runs one connect attempt.
func (d *NetDriver) Connect(ctx context.Context) error {
	argv := d.argv()
	if len(argv) == 0 {
		return nil
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("running link connect command", "command", argv[0], "interface", d.Interface)

	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

// argv renders the command line for one attempt.
func (d *NetDriver) argv() []string {
	tmpl := d.Command
	if len(tmpl) == 0 {
		if d.SSID == "" {
			return nil
		}
		tmpl = []string{"nmcli", "device", "wifi", "connect", "{ssid}", "password", "{passphrase}"}
		if d.Interface != "" {
			tmpl = append(tmpl, "ifname", "{interface}")
		}
	}

	r := strings.NewReplacer(
		"{interface}", d.Interface,
		"{ssid}", d.SSID,
		"{passphrase}", d.Passphrase,
	)
	argv := make([]string, len(tmpl))
	for i, a := range tmpl {
		argv[i] = r.Replace(a)
	}
	return argv
}

// InterfaceProbe returns a probe that succeeds when the named
// interface is up and holds a non-loopback IPv4 address. An empty name
// accepts any such interface.
func InterfaceProbe(name string) ProbeFunc {
	return func(ctx context.Context) error {
		if name != "" {
			ifi, err := net.InterfaceByName(name)
			if err != nil {
				return fmt.Errorf("lookup interface %s: %w", name, err)
			}
			return checkInterface(*ifi)
		}

		ifaces, err := net.Interfaces()
		if err != nil {
			return fmt.Errorf("list interfaces: %w", err)
		}
		for _, ifi := range ifaces {
			if checkInterface(ifi) == nil {
				return nil
			}
		}
		return errNoAddress
	}
}

func checkInterface(ifi net.Interface) error {
	if ifi.Flags&net.FlagLoopback != 0 {
		return fmt.Errorf("interface %s is loopback: %w", ifi.Name, errNoAddress)
	}
	if ifi.Flags&net.FlagUp == 0 {
		return fmt.Errorf("interface %s is down", ifi.Name)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return fmt.Errorf("addresses of %s: %w", ifi.Name, err)
	}
	for _, a := range addrs {
		ipn, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipn.IP.To4(); ip4 != nil && !ip4.IsLoopback() && !ip4.IsLinkLocalUnicast() {
			return nil
		}
	}
	return fmt.Errorf("interface %s: %w", ifi.Name, errNoAddress)
}
