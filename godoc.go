package calcrpc

/*
	Package `calcrpc` is a remote calculator reachable over RabbitMQ. Clients
	publish calculation requests to one well defined, durable request queue
	bound to a direct exchange; servers consume that queue one message at a
	time and publish each response to the private reply queue named by the
	request. A client matches responses to callers by correlation id, so any
	number of calls may be in flight at once and may complete in any order.
	The implementation follows, to a certain extent, the RabbitMQ RPC tutorial
	http://www.rabbitmq.com/tutorials/tutorial-six-go.html

	Messages are JSON documents:

		{"correlationId":"…","operation":"Divide","number1":6,"number2":3,
		 "replyTo":"calculator.responses.1a2b3c4d","timestamp":"…"}

		{"correlationId":"…","result":2,"success":true,"errorMessage":null,
		 "operation":"Divide","timestamp":"…","processingTimeMs":0}

	A server is started with a connection and a configuration:

		config, err := calcrpc.LoadConfig("calculator.yaml")
		if err != nil {
		        panic(err)
		}
		conn, err := calcrpc.Dial(config)
		if err != nil {
		        panic(err)
		}
		defer conn.Close()

		server, err := calcrpc.NewServer(conn, config)
		if err != nil {
		        panic(err)
		}
		err = server.Serve(ctx)	// returns once ctx is done

	A client wraps a Transport; the broker transport is the Dispatcher:

		d, err := calcrpc.NewDispatcher(conn, config)
		if err != nil {
		        panic(err)
		}
		client := calcrpc.NewClient(d, calcrpc.WithTimeout(config.RequestTimeout))
		defer client.Close()

		sum, err := client.Add(ctx, 2, 3)
		if err != nil {
		        panic(err)
		}
		fmt.Printf("2 + 3 = %v", sum)

	A failed call returns an error matching ErrTimeout, ErrTransport,
	ErrClosed or ErrEncode, or a *RemoteError carrying the server's message:

		_, err = client.Divide(ctx, 6, 0)
		var remote *calcrpc.RemoteError
		if errors.As(err, &remote) {
		        fmt.Println(remote.Message)	// Cannot divide by zero
		}

	DirectServer and DirectTransport carry the same messages over net/rpc with
	the JSON-RPC codec, for deployments without a broker.

*/
