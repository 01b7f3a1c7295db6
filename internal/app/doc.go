// Package app wires configuration, logging, telemetry, the run history, the
// gateway client and the analysis services into the commands of the
// varianceiq binary.
//
// Runtime holds what every command needs and builds the shared components.
// Application is the long-running server:
//
//	rt, err := app.Bootstrap(configPath)
//	if err != nil {
//		return err
//	}
//	defer rt.Close(context.Background())
//
//	srv, err := app.NewApplication(ctx, rt)
//	if err != nil {
//		return err
//	}
//	return srv.Run(ctx)
//
// Middleware order on the API group is RequestID, RealIP, OpenTelemetry,
// request logging, panic recovery, security headers, CORS, then rate
// limiting. The /ws endpoint only sees RequestID and RealIP.
package app
