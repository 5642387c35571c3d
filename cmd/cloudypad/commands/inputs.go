package commands

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/spf13/pflag"

	"github.com/cloudypad/cloudypad/pkg/engine"
	"github.com/cloudypad/cloudypad/pkg/providers/dummy"
	"github.com/cloudypad/cloudypad/pkg/state"
)

type flagKind int

const (
	kindString flagKind = iota
	kindInt
	kindBool
)

// inputFlag maps a command line flag to a dotted path of the provision input.
type inputFlag struct {
	name  string
	key   string
	kind  flagKind
	def   interface{}
	usage string
}

// providerFlags describes the create and update flags of one provider.
type providerFlags struct {
	provider string
	short    string
	flags    []inputFlag
}

func commonFlags(defaultUser, defaultKey string) []inputFlag {
	return []inputFlag{
		{name: "ssh-user", key: "ssh.user", kind: kindString, def: defaultUser, usage: "SSH user of the instance"},
		{name: "private-ssh-key", key: "ssh.privateKeyPath", kind: kindString, def: defaultKey, usage: "path to the SSH private key"},
		{name: "ssh-port", key: "ssh.port", kind: kindInt, def: 0, usage: "SSH port, 22 when unset"},
		{name: "delete-instance-server-on-stop", key: "deleteInstanceServerOnStop", kind: kindBool, def: false, usage: "delete the server on stop and recreate it on start"},
		{name: "data-disk-snapshot", key: "dataDiskSnapshot.enable", kind: kindBool, def: false, usage: "snapshot the data disk when the server is deleted on stop"},
		{name: "keep-data-disk-snapshot", key: "dataDiskSnapshot.keepOnDeletion", kind: kindBool, def: false, usage: "keep the data disk snapshot when the instance is destroyed"},
		{name: "base-image-snapshot", key: "baseImageSnapshot.enable", kind: kindBool, def: false, usage: "capture a base image after configuration"},
		{name: "keep-base-image", key: "baseImageSnapshot.keepOnDeletion", kind: kindBool, def: false, usage: "keep the base image when the instance is destroyed"},
	}
}

var dummyFlags = providerFlags{
	provider: "dummy",
	short:    "Local fake instance for tests and demos",
	flags: append(commonFlags("dummy", dummy.DefaultPrivateKeyPath),
		inputFlag{name: "instance-type", key: "instanceType", kind: kindString, def: "dummy-small", usage: "fake instance type"},
		inputFlag{name: "start-delay", key: "startDelaySeconds", kind: kindInt, def: 0, usage: "seconds spent in starting"},
		inputFlag{name: "stop-delay", key: "stopDelaySeconds", kind: kindInt, def: 0, usage: "seconds spent in stopping"},
		inputFlag{name: "provisioning-delay", key: "provisioningDelaySeconds", kind: kindInt, def: 0, usage: "seconds spent provisioning"},
		inputFlag{name: "configuration-delay", key: "configurationDelaySeconds", kind: kindInt, def: 0, usage: "seconds spent configuring"},
		inputFlag{name: "readiness-delay", key: "readinessAfterStartDelaySeconds", kind: kindInt, def: 0, usage: "seconds before a started server is ready"},
		inputFlag{name: "initial-state", key: "initialServerStateAfterProvision", kind: kindString, def: "", usage: "server state after provision: running or stopped"},
		inputFlag{name: "data-disk-size", key: "dataDiskSizeGb", kind: kindInt, def: 0, usage: "fake data disk size in GB"},
	),
}

var sshFlags = providerFlags{
	provider: "ssh",
	short:    "Existing machine reachable over SSH",
	flags: append(commonFlags("", ""),
		inputFlag{name: "hostname", key: "hostname", kind: kindString, def: "", usage: "hostname or IP of the machine"},
	),
}

var awsFlags = providerFlags{
	provider: "aws",
	short:    "AWS EC2 instance",
	flags: append(commonFlags("ubuntu", ""),
		inputFlag{name: "region", key: "region", kind: kindString, def: "", usage: "AWS region"},
		inputFlag{name: "instance-type", key: "instanceType", kind: kindString, def: "g4dn.xlarge", usage: "EC2 instance type"},
		inputFlag{name: "disk-size", key: "diskSize", kind: kindInt, def: 100, usage: "root disk size in GB"},
		inputFlag{name: "data-disk-size", key: "dataDiskSizeGb", kind: kindInt, def: 0, usage: "data disk size in GB, none when 0"},
		inputFlag{name: "spot", key: "useSpot", kind: kindBool, def: false, usage: "use a spot instance"},
		inputFlag{name: "public-ip-type", key: "publicIpType", kind: kindString, def: "static", usage: "public IP type: static or dynamic"},
		inputFlag{name: "image-id", key: "imageId", kind: kindString, def: "", usage: "AMI to boot instead of the latest Ubuntu"},
	),
}

var allProviderFlags = []providerFlags{dummyFlags, sshFlags, awsFlags}

// register adds the flags of p to fs. Defaults are only shown for create.
func (p providerFlags) register(fs *pflag.FlagSet, withDefaults bool) {
	for _, f := range p.flags {
		switch f.kind {
		case kindString:
			def := ""
			if withDefaults {
				def = f.def.(string)
			}
			fs.String(f.name, def, f.usage)
		case kindInt:
			def := 0
			if withDefaults {
				def = f.def.(int)
			}
			fs.Int(f.name, def, f.usage)
		case kindBool:
			fs.Bool(f.name, false, f.usage)
		}
	}
}

// provisionInput builds the provision input from fs. With onlyChanged, flags
// left untouched are skipped so the result can be used as a patch.
func (p providerFlags) provisionInput(fs *pflag.FlagSet, onlyChanged bool) (state.Values, error) {
	values := state.Values{}
	for _, f := range p.flags {
		changed := fs.Changed(f.name)
		if onlyChanged && !changed {
			continue
		}

		var v interface{}
		var err error
		switch f.kind {
		case kindString:
			var s string
			s, err = fs.GetString(f.name)
			if s == "" && !changed {
				continue
			}
			v = s
		case kindInt:
			var n int
			n, err = fs.GetInt(f.name)
			if n == 0 && !changed {
				continue
			}
			v = n
		case kindBool:
			var b bool
			b, err = fs.GetBool(f.name)
			if !b && !changed {
				continue
			}
			v = b
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read flag --%s: %w", f.name, err)
		}
		setPath(values, f.key, v)
	}
	return values, nil
}

// configurationFlags are shared by every provider.
func registerConfigurationFlags(fs *pflag.FlagSet, withDefaults bool) {
	def := ""
	if withDefaults {
		def = "sunshine"
	}
	fs.String("streaming-server", def, "streaming server: sunshine or wolf")
	fs.String("sunshine-user", "", "Sunshine web UI user")
	fs.String("sunshine-password", "", "Sunshine web UI password")
}

// configurationInput builds the configuration input from fs.
func configurationInput(fs *pflag.FlagSet, onlyChanged bool) (state.Values, error) {
	values := state.Values{}

	if !onlyChanged || fs.Changed("streaming-server") {
		server, _ := fs.GetString("streaming-server")
		switch server {
		case "sunshine":
			setPath(values, "sunshine.enable", true)
			setPath(values, "wolf.enable", false)
		case "wolf":
			setPath(values, "wolf.enable", true)
			setPath(values, "sunshine.enable", false)
		case "":
		default:
			return nil, engine.NewValidationError("streaming-server", fmt.Sprintf("unknown streaming server %q", server))
		}
	}

	if fs.Changed("sunshine-user") {
		user, _ := fs.GetString("sunshine-user")
		setPath(values, "sunshine.username", user)
	}
	if fs.Changed("sunshine-password") {
		password, _ := fs.GetString("sunshine-password")
		setPath(values, "sunshine.passwordBase64", base64.StdEncoding.EncodeToString([]byte(password)))
	}
	return values, nil
}

// setPath sets a dotted key, creating intermediate maps.
func setPath(values map[string]interface{}, key string, v interface{}) {
	parts := strings.Split(key, ".")
	cur := values
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = v
}
