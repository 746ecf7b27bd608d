package link

import (
	"context"
	"errors"
	"slices"
	"testing"
)

func TestNetDriver_Argv(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		d    NetDriver
		want []string
	}{
		{
			name: "wired link does nothing",
			d:    NetDriver{Interface: "eth0"},
			want: nil,
		},
		{
			name: "nmcli with interface",
			d:    NetDriver{Interface: "wlan0", SSID: "lab", Passphrase: "s3cret"},
			want: []string{"nmcli", "device", "wifi", "connect", "lab", "password", "s3cret", "ifname", "wlan0"},
		},
		{
			name: "nmcli any interface",
			d:    NetDriver{SSID: "lab", Passphrase: "s3cret"},
			want: []string{"nmcli", "device", "wifi", "connect", "lab", "password", "s3cret"},
		},
		{
			name: "custom command",
			d: NetDriver{
				Interface: "wlan1",
				SSID:      "ignored",
				Command:   []string{"wpa_cli", "-i", "{interface}", "reconnect"},
			},
			want: []string{"wpa_cli", "-i", "wlan1", "reconnect"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.argv(); !slices.Equal(got, tt.want) {
				t.Errorf("argv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNetDriver_Connect(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		d       NetDriver
		wantErr bool
	}{
		{"nothing configured", NetDriver{}, false},
		{"wired link", NetDriver{Interface: "eth0"}, false},
		{"command succeeds", NetDriver{Command: []string{"true"}}, false},
		{"command fails", NetDriver{Command: []string{"false"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.d.Logger = discardLogger()
			err := tt.d.Connect(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("Connect() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestInterfaceProbe(t *testing.T) {
	t.Parallel()

	if err := InterfaceProbe("lo")(context.Background()); !errors.Is(err, errNoAddress) {
		t.Errorf("probe(lo) = %v, want errNoAddress", err)
	}
	if err := InterfaceProbe("dhtagent-nonexistent0")(context.Background()); err == nil {
		t.Error("probe of missing interface = nil, want error")
	}
}
