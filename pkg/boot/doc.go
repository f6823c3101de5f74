// Package boot runs the boot sequence and holds the deployment processor chain.
//
// A Sequencer dispatches the boot operations one at a time, in order, through an
// OperationRunner. Handlers that run during boot may register deployment
// processors; the registry is sealed once boot ends. The first failing operation
// aborts the boot with a *BootError.
//
// Example:
//
//	seq := boot.NewSequencer(boot.Options{
//		Runner:    dispatcher,
//		Container: container,
//		Logger:    logger,
//	})
//	result, err := seq.Boot(ctx, ops)
//	if err != nil {
//		var berr *boot.BootError
//		if errors.As(err, &berr) {
//			log.Fatalf("operation %d failed", berr.Index+1)
//		}
//	}
//
// Deployment units then move through seq.Chain() phase by phase, from STRUCTURE to
// CLEANUP.
package boot
