// Package services implements the service lifecycle graph of the keel kernel.
//
// # Overview
//
// A Container holds named services and the dependency edges between them. Handlers
// install services as a side effect of management operations; the container decides
// when each one starts and stops. Call order never matters, only dependency edges do:
//
//	c := services.NewContainer(services.Options{Logger: logger})
//	c.AddService("keel.binding.http", binding).
//	    AddDependency("keel.network.public").
//	    SetInitialMode(services.ModeOnDemand).
//	    Install()
//
// # Modes and States
//
// A service is in one of the modes ACTIVE, ON_DEMAND, NEVER or REMOVE, and in one of
// the states DOWN, STARTING, UP, STOPPING, START_FAILED or REMOVED.
//
//   - ACTIVE services start as soon as every dependency is UP.
//   - ON_DEMAND services start once an installed dependent wants to be up, and then
//     stay up until their mode or dependencies change.
//   - NEVER services stay down.
//   - REMOVE services stop and are unregistered. Their dependents go back to waiting.
//
// A service never starts before its dependencies are UP and never stops before its
// dependents are DOWN. Installing a service that would close a dependency cycle fails
// and registers nothing.
//
// # Concurrency
//
// Node bookkeeping runs under one short mutex. Start and stop actions run on a worker
// pool bounded by Options.MaxWorkers. Transitions carry a container-wide sequence
// number and are delivered to listeners in that order, outside the mutex.
//
// AwaitStability waits until no action is in flight and reports services with missing
// dependencies or failed starts. Shutdown removes every service, dependents first.
package services
