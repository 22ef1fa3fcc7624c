// Package jsfcgi is a FastCGI application server that runs JavaScript.
//
// # Overview
//
// A web server forwards each request over FastCGI. jsfcgi runs the script
// named by SCRIPT_FILENAME in a fresh QuickJS interpreter, with ceilings
// on memory, CPU time and response size, and answers with exactly one HTTP
// response. A fixed number of workers share one listening socket; each
// worker handles one request at a time.
//
// # Running
//
//	jsfcgi --listen /run/jsfcgi.sock --threads 4
//
// A script sees the request as the global request and answers through
// header, commit and write:
//
//	header("Content-Type", "text/html");
//	commit(200);
//	write("<p>hello " + request.args.name + "</p>");
//
// # Embedding
//
//	exec, _ := executor.New(hostfunc.NewRegistry(), executor.WithLanguage(javascript.New()))
//	defer exec.Close()
//
//	ln, _ := fcgi.Listen("127.0.0.1:9000", 0)
//	srv, _ := server.New(config.Default(), server.NewExecutorSandbox(exec))
//	srv.Serve(ctx, server.NewFCGITransport(ln))
//
// See the [server], [executor], [fcgi], [hostfunc] and [config] packages for
// the details.
package jsfcgi
