// Package policy guards instance operations with Open Policy Agent (OPA)
// policies written in Rego.
//
// Before the instance manager runs an operation it calls Engine.Check with
// the operation name and the instance record. Every enabled policy is
// evaluated against the input document:
//
//	{
//	  "operation": "provision",
//	  "instance": {
//	    "name": "gaming",
//	    "provider": "aws",
//	    "configurator": "ansible",
//	    "provisionInput": {...},
//	    "provisionOutput": {...},
//	    "configurationInput": {...},
//	    "provisioned": true,
//	    "configured": false
//	  }
//	}
//
// Violations are read from the deny rule of the policy package. A deny entry
// is a message string or an object with message and severity fields:
//
//	package custom.no_destroy
//
//	deny contains msg if {
//	    input.operation == "destroy"
//	    startswith(input.instance.name, "prod-")
//	    msg := "production instances cannot be destroyed"
//	}
//
// Violations with severity error or critical deny the operation with a
// precondition error carrying the POLICY_DENIED code. Other violations are
// logged and published as policy.violation events.
//
// # Loading policies
//
// Built-in policies are always loaded. Additional .rego and .json files are
// loaded from the configured policy directories. A leading "# severity: error"
// comment sets the default severity of a .rego file; JSON files hold a
// serialized Policy. Loader.Watch reloads the directories when a file changes.
package policy
