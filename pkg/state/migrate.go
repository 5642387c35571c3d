package state

import (
	"fmt"

	"github.com/cloudypad/cloudypad/pkg/engine"
)

// DefaultConfigurator is the configurator assigned to records that predate
// the configuration section.
const DefaultConfigurator = "ansible"

// migrationStep transforms a raw record from one version to the next.
// Steps are pure: the input map is never modified.
type migrationStep func(raw map[string]interface{}) (map[string]interface{}, error)

var migrations = map[string]migrationStep{
	"0": migrateV0ToV1,
	"1": migrateV1ToV2,
}

// VersionOf returns the version tag of a raw record. Records without a tag
// are legacy version "0".
func VersionOf(raw map[string]interface{}) string {
	v, ok := raw["version"]
	if !ok || v == nil {
		return "0"
	}
	return fmt.Sprint(v)
}

// Migrate applies migration steps until raw reaches CurrentVersion.
func Migrate(raw map[string]interface{}) (map[string]interface{}, error) {
	current := cloneMap(raw)
	for seen := 0; ; seen++ {
		version := VersionOf(current)
		if version == CurrentVersion {
			return current, nil
		}
		step, ok := migrations[version]
		if !ok || seen > len(migrations) {
			return nil, engine.NewValidationError("version",
				fmt.Sprintf("unsupported state version %q", version))
		}
		next, err := step(current)
		if err != nil {
			return nil, err
		}
		current = next
	}
}

// migrateV0ToV1 converts the legacy flat layout
// (provider.<tag>.provisionArgs.create, host, ssh, status) to version 1.
func migrateV0ToV1(raw map[string]interface{}) (map[string]interface{}, error) {
	name, _ := raw["name"].(string)
	if name == "" {
		return nil, engine.NewValidationError("name", "missing instance name in legacy state")
	}

	ssh, _ := asMap(raw["ssh"])
	user, _ := ssh["user"].(string)
	keyPath, _ := ssh["privateKeyPath"].(string)
	if user == "" || keyPath == "" {
		return nil, engine.NewValidationError("ssh",
			"missing SSH config in legacy state, was the instance fully configured?").WithInstance(name)
	}

	providers, _ := asMap(raw["provider"])
	if len(providers) != 1 {
		return nil, engine.NewValidationError("provider",
			"legacy state must define exactly one provider").WithInstance(name)
	}

	var tag string
	var legacy map[string]interface{}
	for k, v := range providers {
		tag = k
		legacy, _ = asMap(v)
	}

	args, _ := asMap(legacy["provisionArgs"])
	create, ok := asMap(args["create"])
	if !ok {
		return nil, engine.NewValidationError("provider."+tag+".provisionArgs.create",
			fmt.Sprintf("missing %s provision args in legacy state", tag)).WithInstance(name)
	}

	if ipType, present := create["publicIpType"]; present && ipType != "static" && ipType != "dynamic" {
		return nil, engine.NewValidationError("provider."+tag+".provisionArgs.create.publicIpType",
			fmt.Sprintf("public IP type %v is neither static nor dynamic", ipType)).WithInstance(name)
	}

	input := cloneMap(create)
	input["ssh"] = map[string]interface{}{
		"user":           user,
		"privateKeyPath": keyPath,
	}

	provision := map[string]interface{}{
		"provider": tag,
		"input":    input,
	}

	if host, _ := raw["host"].(string); host != "" {
		instanceID, _ := legacy["instanceId"].(string)
		if instanceID == "" {
			return nil, engine.NewValidationError("provider."+tag+".instanceId",
				"host is defined but no instance id").WithInstance(name)
		}
		provision["output"] = map[string]interface{}{
			"host":       host,
			"instanceId": instanceID,
		}
	}

	return map[string]interface{}{
		"name":      name,
		"version":   "1",
		"provision": provision,
		"configuration": map[string]interface{}{
			"configurator": DefaultConfigurator,
			"input":        map[string]interface{}{},
		},
	}, nil
}

// migrateV1ToV2 renames provision.config to provision.input and adds the
// configuration section when missing. Every other field is kept.
func migrateV1ToV2(raw map[string]interface{}) (map[string]interface{}, error) {
	out := cloneMap(raw)

	provision, ok := asMap(out["provision"])
	if !ok {
		return nil, engine.NewValidationError("provision", "missing provision section")
	}
	provision = cloneMap(provision)
	if cfg, hasConfig := provision["config"]; hasConfig {
		if _, hasInput := provision["input"]; !hasInput {
			provision["input"] = cfg
		}
		delete(provision, "config")
	}
	out["provision"] = provision

	if _, ok := out["configuration"]; !ok {
		out["configuration"] = map[string]interface{}{
			"configurator": DefaultConfigurator,
			"input":        map[string]interface{}{},
		}
	}

	out["version"] = "2"
	return out, nil
}
