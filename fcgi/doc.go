// Package fcgi implements the application side of FastCGI for responder
// requests, one request per connection at a time.
//
// A [Listener] owns the listening socket and is shared by all workers. Each
// worker takes its own [Acceptor] and loops:
//
//	acc := ln.NewAcceptor()
//	for {
//	    req, err := acc.Accept()
//	    if errors.Is(err, net.ErrClosed) {
//	        return
//	    }
//	    ...
//	    req.Finish()
//	}
//
// Management records (FCGI_GET_VALUES and unknown types), multiplexing
// attempts and non-responder roles are answered inside Accept and never
// reach the caller.
package fcgi
