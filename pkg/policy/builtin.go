package policy

// GetBuiltinPolicies returns the built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		ephemeralSnapshotPolicy(),
		spotDataDiskPolicy(),
		sshKeyPolicy(),
		snapshotRetentionPolicy(),
	}
}

// ephemeralSnapshotPolicy warns when a server deleted on stop has no data
// disk snapshot to restore from.
func ephemeralSnapshotPolicy() Policy {
	return Policy{
		Name:        "ephemeral-snapshot",
		Description: "Servers deleted on stop should snapshot their data disk",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package cloudypad.ephemeral_snapshot

deny contains msg if {
	input.operation in {"provision", "stop"}
	input.instance.provisionInput.deleteInstanceServerOnStop == true
	not snapshot_enabled
	msg := "server is deleted on stop but data disk snapshot is disabled: data disk content will not be archived"
}

snapshot_enabled if input.instance.provisionInput.dataDiskSnapshot.enable == true
`,
	}
}

// spotDataDiskPolicy warns about spot servers keeping data on the root disk only.
func spotDataDiskPolicy() Policy {
	return Policy{
		Name:        "spot-data-disk",
		Description: "Spot servers should keep games on a data disk",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package cloudypad.spot_data_disk

deny contains msg if {
	input.operation == "provision"
	input.instance.provisionInput.useSpot == true
	object.get(input.instance.provisionInput, "dataDiskSizeGb", 0) == 0
	msg := "spot server without data disk: an interruption may lose data on the root disk"
}
`,
	}
}

// sshKeyPolicy denies provisioning a real server without an SSH key.
func sshKeyPolicy() Policy {
	return Policy{
		Name:        "ssh-key-required",
		Description: "Servers must be reachable with an SSH key",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package cloudypad.ssh_key

deny contains msg if {
	input.operation in {"provision", "configure"}
	input.instance.provider != "dummy"
	not has_key
	msg := "provision input has neither ssh.privateKeyPath nor ssh.privateKeyContentBase64"
}

has_key if input.instance.provisionInput.ssh.privateKeyPath != ""

has_key if input.instance.provisionInput.ssh.privateKeyContentBase64 != ""
`,
	}
}

// snapshotRetentionPolicy reports snapshots left behind by a destroy.
func snapshotRetentionPolicy() Policy {
	return Policy{
		Name:        "snapshot-retention",
		Description: "Snapshots kept on deletion outlive the instance",
		Severity:    SeverityInfo,
		Enabled:     true,
		Rego: `package cloudypad.snapshot_retention

deny contains msg if {
	input.operation == "destroy"
	input.instance.provisionInput.dataDiskSnapshot.keepOnDeletion == true
	id := input.instance.provisionOutput.dataDiskSnapshotId
	msg := sprintf("data disk snapshot %s is kept after destroy", [id])
}

deny contains msg if {
	input.operation == "destroy"
	input.instance.provisionInput.baseImageSnapshot.keepOnDeletion == true
	id := input.instance.provisionOutput.baseImageId
	msg := sprintf("base image %s is kept after destroy", [id])
}
`,
	}
}
