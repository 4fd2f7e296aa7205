/*
Package protocol implements the line-delimited JSON framing shared by the proxy and its clients.

Every frame is one JSON object terminated by a newline. There are three kinds of messages:
"request" messages are sent by clients and forwarded to the worker, "response" messages are sent by
the worker and carry the seq of the request they answer in request_seq, and "event" messages are
pushed by the worker without being asked. Anything with an unknown type is treated as an event.

The payload fields (arguments and body) are opaque to this package. They are carried as raw JSON and
never re-encoded, so a frame relayed through the proxy reaches the other side unchanged.

A frame that cannot be decoded does not break the stream: the Decoder reports a *MalformedFrameError
for that line and the next call resumes at the following newline.
*/
package protocol
