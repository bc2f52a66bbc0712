package events

// Server is the part of a server an event exposes. It is satisfied by
// server.Server; declaring it here keeps this package a leaf.
type Server interface {
	ID() string
	Name() string
}

type Event interface {
	EventName() string
	Server() Server
}

const (
	NameServerAdded        = "server_added"
	NameServerRenamed      = "server_renamed"
	NameServerForgotten    = "server_forgotten"
	NameServerForgetUndone = "server_forget_undone"
	NameServerConnected    = "server_connected"
	NameServerDisconnected = "server_disconnected"
	NameServerReconnecting = "server_reconnecting"
)

type serverEvent struct{ server Server }

func (e serverEvent) Server() Server { return e.server }

type ServerAdded struct{ serverEvent }
type ServerRenamed struct{ serverEvent }
type ServerForgotten struct{ serverEvent }
type ServerForgetUndone struct{ serverEvent }
type ServerConnected struct{ serverEvent }
type ServerDisconnected struct{ serverEvent }
type ServerReconnecting struct{ serverEvent }

func (ServerAdded) EventName() string        { return NameServerAdded }
func (ServerRenamed) EventName() string      { return NameServerRenamed }
func (ServerForgotten) EventName() string    { return NameServerForgotten }
func (ServerForgetUndone) EventName() string { return NameServerForgetUndone }
func (ServerConnected) EventName() string    { return NameServerConnected }
func (ServerDisconnected) EventName() string { return NameServerDisconnected }
func (ServerReconnecting) EventName() string { return NameServerReconnecting }

func NewServerAdded(s Server) ServerAdded               { return ServerAdded{serverEvent{s}} }
func NewServerRenamed(s Server) ServerRenamed           { return ServerRenamed{serverEvent{s}} }
func NewServerForgotten(s Server) ServerForgotten       { return ServerForgotten{serverEvent{s}} }
func NewServerForgetUndone(s Server) ServerForgetUndone { return ServerForgetUndone{serverEvent{s}} }
func NewServerConnected(s Server) ServerConnected       { return ServerConnected{serverEvent{s}} }
func NewServerDisconnected(s Server) ServerDisconnected { return ServerDisconnected{serverEvent{s}} }
func NewServerReconnecting(s Server) ServerReconnecting { return ServerReconnecting{serverEvent{s}} }
