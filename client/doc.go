/*
Package client is the request side of the protocol: it sends requests to the proxy and matches the
responses that come back.

Every connection to the proxy receives everything the worker writes, so a client sees responses to
requests it never made. Responses are matched to pending requests by request_seq and anything that
matches nothing is dropped. Correlation ids are random so that independent client processes sharing
one proxy are unlikely to pick the same id.

A request normally resolves on its first response. Commands that answer more than once pass a
Completion that decides when the request is finished, e.g. UntilBodyFlag("reloadFinished").
*/
package client
