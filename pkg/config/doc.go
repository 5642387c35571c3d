// Package config loads the CLI configuration from the data root and
// evaluates Starlark input presets.
//
// The configuration lives in ${CLOUDYPAD_HOME}/config.yml (default
// $HOME/.cloudypad). Every field has a default, so the file is optional.
// Environment variables override the file:
//
//	CLOUDYPAD_STATE_BACKEND_S3_BUCKET_NAME  store states in S3
//	CLOUDYPAD_STATE_BACKEND_S3_REGION       region of the state bucket
//	CLOUDYPAD_ANALYTICS_DISABLE             turn usage recording off
//	CLOUDYPAD_LOG_LEVEL                     level name, or 0 (trace) to 4 (error)
//	CLOUDYPAD_METRICS_TEXTFILE              write prometheus metrics on exit
//
// Presets are Starlark scripts producing the provision and configuration
// input of a new instance:
//
//	provision = {
//	    "region": "eu-west-3",
//	    "instanceType": "g4dn.xlarge" if gpu else "t3.large",
//	    "diskSize": 100,
//	}
//	configuration = {"sunshine": {"enable": True}}
package config
