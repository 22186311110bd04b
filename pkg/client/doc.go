/*
Package client is the Go client of the control plane API, used by the CLI.

	c, err := client.New(client.Target("/run/nanocl/nanocl.sock", ""))
	if err != nil {
		return err
	}
	defer c.Close()

	m, err := manifest.ParseFile("stack.yml")
	...
	result, err := c.Apply(ctx, m)

Errors are gRPC status errors; status.Code(err) gives the code the server
mapped from the store error.
*/
package client
