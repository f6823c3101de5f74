// Package config loads the kernel configuration.
//
// A ServerConfig comes from a .cue, .yaml/.yml or .json file. CUE files are
// checked against the embedded #Server schema before decoding; every format is
// then validated with struct tags. Boot operations are listed in the file and
// may be extended by a Starlark script that calls op():
//
//	op("add", "/subsystem=threads")
//	op("add", "/subsystem=threads/queueless-thread-pool=web", max_threads = 8)
//
// Parameter strings containing "${" become expressions, resolved against the
// system properties when the operation runs.
//
// # Usage Example
//
//	loader := config.NewLoader()
//	cfg, err := loader.Load("server.cue")
//	if err != nil {
//		return err
//	}
//	ops, err := loader.BootOperations(ctx, cfg)
package config
