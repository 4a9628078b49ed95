// Package shutdown provides graceful shutdown for snapkeeper.
//
// Hooks registered with OnShutdown run in reverse registration order
// under a shared timeout once SIGINT, SIGTERM or Trigger asks the
// process to stop:
//
//	h := shutdown.NewHandler(30*time.Second, logger)
//	h.OnShutdown("stores", closeStores)
//	h.OnShutdown("rpc", srv.Shutdown)
//	err := h.Wait(ctx)
package shutdown
