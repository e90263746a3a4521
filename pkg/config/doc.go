// Package config parses and validates uncertainpy run files.
//
// A run file is CUE. It is unified with a closed built-in schema, so misspelled fields,
// unknown distribution kinds and missing distribution arguments are reported with their
// file and line before anything runs. The decoded Config is then checked with struct tags
// and by building the parameter set it declares.
//
// # Run files
//
//	run: {
//	    name:   "brunel"
//	    method: "quadrature"
//	    order:  4
//	}
//
//	model: {
//	    script:   "brunel.star"
//	    function: "model"
//	}
//
//	parameters: [
//	    {name: "J_E", value: 4, distribution: {kind: "uniform_interval", interval: 0.5}},
//	    {name: "g", value: 4, distribution: {kind: "uniform", lo: 3, hi: 5}},
//	    {name: "delay", value: 1.5},
//	]
//
//	features: {
//	    mode:    "all"
//	    spiking: true
//	}
//
// A model may instead be an external program speaking the runner protocol (see package
// runner). Each process answers one evaluation at a time; workers bounds how many run:
//
//	model: {
//	    command: ["./bin/cooling", "--fast"]
//	    env: {OMP_NUM_THREADS: "1"}
//	    workers: 4
//	    timeout: "30s"
//	}
//
// With a remote block the processes run on another host as SSH sessions. upload copies
// the local executable to remote_dir first; without it the command must exist there.
// Secrets come from environment variables:
//
//	model: {
//	    command: ["./bin/brunel"]
//	    remote: {
//	        host:         "cluster.example.com"
//	        user:         "modeller"
//	        auth:         "password"
//	        password_env: "UQ_SSH_PASSWORD"
//	        upload:       true
//	    }
//	}
//
// Sources may be split across files; Parse unifies them. Relative paths (model script,
// model command, feature script, storage path, policy paths) are resolved against the directory of the
// first source.
//
// # Building a run
//
//	parser := config.NewCUEParser()
//	pc, err := parser.Parse(ctx, []string{"study.cue"})
//	if err != nil {
//	    return err
//	}
//	if pc.HasErrors() {
//	    for _, e := range pc.Errors {
//	        fmt.Println(e)
//	    }
//	    return errors.New("invalid run file")
//	}
//	rt, err := pc.Config.Build(pc.Dir, logger)
//
// Build loads the Starlark scripts, so it is kept out of Parse: validating a run file
// never executes model code.
package config
