// Package workerpool runs background jobs on a fixed number of goroutines
// fed by a bounded queue.
//
//	pool, err := workerpool.New(workerpool.Config{Workers: 4, QueueSize: 100})
//	if err != nil {
//	    return err
//	}
//	defer pool.Stop()
//
//	err = pool.Submit(ctx, "import-42", func(ctx context.Context) error {
//	    return importFile(ctx)
//	})
//
// Queued tasks are drained on Stop. Task functions receive the context
// given at submission; it is cancelled when Stop runs out of time.
package workerpool
