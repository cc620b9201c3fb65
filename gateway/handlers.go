package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/rookery-im/rookery-go/contact"
	"github.com/rookery-im/rookery-go/core"
	"github.com/rookery-im/rookery-go/core/fault"
	"github.com/rookery-im/rookery-go/ledger"
	"github.com/rookery-im/rookery-go/signal"
	"github.com/rookery-im/rookery-go/transport"
)

// statusFor maps a fault code onto the HTTP status the API answers with.
func statusFor(code fault.Code) int {
	switch code {
	case fault.CodeValidation:
		return http.StatusBadRequest
	case fault.CodeUnauthorized:
		return http.StatusUnauthorized
	case fault.CodePermissionDenied:
		return http.StatusForbidden
	case fault.CodeNotFound:
		return http.StatusNotFound
	case fault.CodeAlreadyExists:
		return http.StatusConflict
	case fault.CodeNetworkTimeout:
		return http.StatusGatewayTimeout
	case fault.CodeNetworkUnreachable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

type faultView struct {
	Code    fault.Code `json:"code"`
	Message string     `json:"message,omitempty"`
}

type errorBody struct {
	Error faultView `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeFault(w http.ResponseWriter, f *fault.Fault) {
	msg := f.Message
	if msg == "" && f.Err != nil {
		msg = f.Err.Error()
	}
	writeJSON(w, statusFor(f.Code), errorBody{Error: faultView{Code: f.Code, Message: msg}})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeFault(w, fault.New(fault.CodeValidation, "bad request body: %v", err))
		return false
	}
	return true
}

func peerVar(w http.ResponseWriter, r *http.Request, name string) (core.PeerID, bool) {
	raw := mux.Vars(r)[name]
	id, err := core.ParsePeerID(raw)
	if err != nil {
		writeFault(w, fault.New(fault.CodeValidation, "bad peer id %q", raw))
		return core.PeerID{}, false
	}
	return id, true
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

type statusView struct {
	PeerID       core.PeerID         `json:"peer_id"`
	NAT          transport.NATStatus `json:"nat"`
	ExternalAddr string              `json:"external_addr,omitempty"`
	AlivePeers   int                 `json:"alive_peers"`
}

type contactView struct {
	ID          core.PeerID  `json:"id"`
	DisplayName string       `json:"display_name,omitempty"`
	AvatarHash  string       `json:"avatar_hash,omitempty"`
	Bio         string       `json:"bio,omitempty"`
	Kind        contact.Kind `json:"kind"`
	Blocked     bool         `json:"blocked"`
	AddedAt     int64        `json:"added_at"`
	LastSeenAt  int64        `json:"last_seen_at,omitempty"`
}

func viewContact(c *contact.Contact) contactView {
	return contactView{
		ID:          c.ID,
		DisplayName: c.DisplayName,
		AvatarHash:  c.AvatarHash,
		Bio:         c.Bio,
		Kind:        c.Kind,
		Blocked:     c.Blocked,
		AddedAt:     unixOrZero(c.AddedAt),
		LastSeenAt:  unixOrZero(c.LastSeenAt),
	}
}

type grantView struct {
	ID         string          `json:"id"`
	Issuer     core.PeerID     `json:"issuer"`
	Subject    core.PeerID     `json:"subject"`
	Capability core.Capability `json:"capability"`
	IssuedAt   int64           `json:"issued_at"`
	ExpiresAt  int64           `json:"expires_at,omitempty"`
	RevokedAt  int64           `json:"revoked_at,omitempty"`
}

func viewGrant(g *ledger.Grant) grantView {
	return grantView{
		ID:         g.ID,
		Issuer:     g.Issuer,
		Subject:    g.Subject,
		Capability: g.Capability,
		IssuedAt:   unixOrZero(g.IssuedAt),
		ExpiresAt:  unixOrZero(g.ExpiresAt),
		RevokedAt:  unixOrZero(g.RevokedAt),
	}
}

func viewGrants(grants []*ledger.Grant) []grantView {
	views := make([]grantView, 0, len(grants))
	for _, g := range grants {
		views = append(views, viewGrant(g))
	}
	return views
}

type sessionView struct {
	CallID      string              `json:"call_id"`
	Caller      core.PeerID         `json:"caller"`
	Callee      core.PeerID         `json:"callee"`
	State       signal.State        `json:"state"`
	Reason      signal.HangupReason `json:"reason,omitempty"`
	CreatedAt   int64               `json:"created_at"`
	ConnectedAt int64               `json:"connected_at,omitempty"`
	EndedAt     int64               `json:"ended_at,omitempty"`
}

func viewSession(s *signal.Session) sessionView {
	return sessionView{
		CallID:      s.CallID,
		Caller:      s.Caller,
		Callee:      s.Callee,
		State:       s.State,
		Reason:      s.Reason,
		CreatedAt:   s.CreatedAt,
		ConnectedAt: s.ConnectedAt,
		EndedAt:     s.EndedAt,
	}
}

type linkView struct {
	Peer           core.PeerID      `json:"peer"`
	State          transport.State  `json:"state"`
	Method         transport.Method `json:"method,omitempty"`
	Addr           string           `json:"addr,omitempty"`
	DirectAddrs    []string         `json:"direct_addrs,omitempty"`
	RelayReachable bool             `json:"relay_reachable"`
	LastSeen       int64            `json:"last_seen,omitempty"`
	Failures       int              `json:"failures,omitempty"`
	LastError      string           `json:"last_error,omitempty"`
}

func viewLink(l *transport.PeerLink) linkView {
	return linkView{
		Peer:           l.Peer,
		State:          l.State,
		Method:         l.Method,
		Addr:           l.Addr,
		DirectAddrs:    l.DirectAddrs,
		RelayReachable: l.RelayReachable,
		LastSeen:       unixOrZero(l.LastSeen),
		Failures:       l.Failures,
		LastError:      l.LastError,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	nat, external := s.node.NATStatus()
	writeJSON(w, http.StatusOK, statusView{
		PeerID:       s.node.Self(),
		NAT:          nat,
		ExternalAddr: external,
		AlivePeers:   len(s.node.AlivePeers()),
	})
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	if err := s.node.AnnounceNow(); err != nil {
		writeFault(w, fault.Wrap(fault.CodeNetworkUnreachable, err))
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type addContactRequest struct {
	ID          core.PeerID `json:"id"`
	DisplayName string      `json:"display_name"`
	Bio         string      `json:"bio"`
	Kind        string      `json:"kind"`
}

func (s *Server) handleAddContact(w http.ResponseWriter, r *http.Request) {
	var req addContactRequest
	if !decode(w, r, &req) {
		return
	}
	kind := contact.Kind(req.Kind)
	if kind == "" {
		kind = contact.KindUser
	}
	if kind != contact.KindUser && kind != contact.KindRelay {
		writeFault(w, fault.New(fault.CodeValidation, "unknown contact kind %q", req.Kind))
		return
	}
	c, f := s.node.AddContact(&contact.Contact{
		ID:          req.ID,
		DisplayName: req.DisplayName,
		Bio:         req.Bio,
		Kind:        kind,
	})
	if f != nil {
		writeFault(w, f)
		return
	}
	writeJSON(w, http.StatusCreated, viewContact(c))
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	contacts, f := s.node.Contacts()
	if f != nil {
		writeFault(w, f)
		return
	}
	views := make([]contactView, 0, len(contacts))
	for _, c := range contacts {
		views = append(views, viewContact(c))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleContact(w http.ResponseWriter, r *http.Request) {
	id, ok := peerVar(w, r, "id")
	if !ok {
		return
	}
	c, ok := s.node.Contact(id)
	if !ok {
		writeFault(w, fault.New(fault.CodeNotFound, "peer %s is not a contact", id.Short()))
		return
	}
	writeJSON(w, http.StatusOK, viewContact(c))
}

func (s *Server) handleRemoveContact(w http.ResponseWriter, r *http.Request) {
	id, ok := peerVar(w, r, "id")
	if !ok {
		return
	}
	if !s.node.RemoveContact(id) {
		writeFault(w, fault.New(fault.CodeNotFound, "peer %s is not a contact", id.Short()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleBlockContact(w http.ResponseWriter, r *http.Request) {
	id, ok := peerVar(w, r, "id")
	if !ok {
		return
	}
	if !s.node.BlockContact(id) {
		writeFault(w, fault.New(fault.CodeNotFound, "peer %s is not a contact", id.Short()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnblockContact(w http.ResponseWriter, r *http.Request) {
	id, ok := peerVar(w, r, "id")
	if !ok {
		return
	}
	if !s.node.UnblockContact(id) {
		writeFault(w, fault.New(fault.CodeNotFound, "peer %s is not a contact", id.Short()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantRequest struct {
	Subject    core.PeerID     `json:"subject"`
	Capability core.Capability `json:"capability"`
	ExpiresAt  int64           `json:"expires_at"`
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if !decode(w, r, &req) {
		return
	}
	var expires time.Time
	if req.ExpiresAt > 0 {
		expires = time.Unix(req.ExpiresAt, 0)
	}
	g, f := s.node.GrantPermission(req.Subject, req.Capability, expires)
	if f != nil {
		writeFault(w, f)
		return
	}
	writeJSON(w, http.StatusCreated, viewGrant(g))
}

type grantAllRequest struct {
	Subject core.PeerID `json:"subject"`
}

func (s *Server) handleGrantAll(w http.ResponseWriter, r *http.Request) {
	var req grantAllRequest
	if !decode(w, r, &req) {
		return
	}
	grants, f := s.node.GrantAll(req.Subject)
	if f != nil {
		writeFault(w, f)
		return
	}
	writeJSON(w, http.StatusCreated, viewGrants(grants))
}

func (s *Server) handleGrantsIssued(w http.ResponseWriter, r *http.Request) {
	subject, ok := peerVar(w, r, "subject")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewGrants(s.node.GrantedPermissions(subject)))
}

func (s *Server) handleGrantsReceived(w http.ResponseWriter, r *http.Request) {
	issuer, ok := peerVar(w, r, "issuer")
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, viewGrants(s.node.ReceivedPermissions(issuer)))
}

func (s *Server) handleRevokeGrant(w http.ResponseWriter, r *http.Request) {
	subject, ok := peerVar(w, r, "subject")
	if !ok {
		return
	}
	capability := core.Capability(mux.Vars(r)["capability"])
	if !s.node.RevokePermission(subject, capability) {
		writeFault(w, fault.New(fault.CodeNotFound, "no active %s grant for %s", capability, subject.Short()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type capabilityView struct {
	PeerHas bool `json:"peer_has"`
	WeHave  bool `json:"we_have"`
}

func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	peer, ok := peerVar(w, r, "peer")
	if !ok {
		return
	}
	capability := core.Capability(mux.Vars(r)["capability"])
	writeJSON(w, http.StatusOK, capabilityView{
		PeerHas: s.node.PeerHasCapability(peer, capability),
		WeHave:  s.node.WeHaveCapability(peer, capability),
	})
}

type messageRequest struct {
	Peer core.PeerID `json:"peer"`
	Text string      `json:"text"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	if f := s.node.SendChatMessage(req.Peer, req.Text); f != nil {
		writeFault(w, f)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type composeRequest struct {
	Channel core.Channel `json:"channel"`
	Body    string       `json:"body"`
}

func (s *Server) handleComposePost(w http.ResponseWriter, r *http.Request) {
	var req composeRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Channel == "" {
		req.Channel = core.ChannelWall
	}
	item, f := s.node.ComposePost(req.Channel, req.Body)
	if f != nil {
		writeFault(w, f)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	item, f := s.node.DeletePost(mux.Vars(r)["id"])
	if f != nil {
		writeFault(w, f)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	channel := core.Channel(mux.Vars(r)["channel"])

	var items []core.Item
	var f *fault.Fault
	if raw := r.URL.Query().Get("author"); raw != "" {
		author, err := core.ParsePeerID(raw)
		if err != nil {
			writeFault(w, fault.New(fault.CodeValidation, "bad author id %q", raw))
			return
		}
		items, f = s.node.LocalItems(channel, author)
	} else {
		items, f = s.node.FeedItems(channel)
	}
	if f != nil {
		writeFault(w, f)
		return
	}
	if items == nil {
		items = []core.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	peer, ok := peerVar(w, r, "peer")
	if !ok {
		return
	}
	channel := core.Channel(r.URL.Query().Get("channel"))
	if f := s.node.RefreshSync(peer, channel); f != nil {
		writeFault(w, f)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type callRequest struct {
	Peer    core.PeerID `json:"peer"`
	Payload []byte      `json:"payload"`
}

func (s *Server) handleStartCall(w http.ResponseWriter, r *http.Request) {
	var req callRequest
	if !decode(w, r, &req) {
		return
	}
	session, f := s.node.StartCall(req.Peer, req.Payload)
	if f != nil {
		writeFault(w, f)
		return
	}
	writeJSON(w, http.StatusCreated, viewSession(session))
}

func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	sessions := s.node.ActiveCalls()
	views := make([]sessionView, 0, len(sessions))
	for _, session := range sessions {
		views = append(views, viewSession(session))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session := s.node.Call(id)
	if session == nil {
		writeFault(w, fault.New(fault.CodeNotFound, "no call %s", id))
		return
	}
	writeJSON(w, http.StatusOK, viewSession(session))
}

type signalRequest struct {
	Payload []byte `json:"payload"`
}

func (s *Server) handleAnswerCall(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if !decode(w, r, &req) {
		return
	}
	session, f := s.node.AnswerCall(mux.Vars(r)["id"], req.Payload)
	if f != nil {
		writeFault(w, f)
		return
	}
	writeJSON(w, http.StatusOK, viewSession(session))
}

func (s *Server) handleCallCandidate(w http.ResponseWriter, r *http.Request) {
	var req signalRequest
	if !decode(w, r, &req) {
		return
	}
	if f := s.node.SendCallCandidate(mux.Vars(r)["id"], req.Payload); f != nil {
		writeFault(w, f)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	if f := s.node.HangupCall(mux.Vars(r)["id"]); f != nil {
		writeFault(w, f)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	links := s.node.PeerLinks()
	views := make([]linkView, 0, len(links))
	for _, l := range links {
		views = append(views, viewLink(l))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handlePeer(w http.ResponseWriter, r *http.Request) {
	id, ok := peerVar(w, r, "id")
	if !ok {
		return
	}
	link, ok := s.node.PeerLink(id)
	if !ok {
		writeFault(w, fault.New(fault.CodeNotFound, "no link state for peer %s", id.Short()))
		return
	}
	writeJSON(w, http.StatusOK, viewLink(link))
}

func (s *Server) handleConnectPeer(w http.ResponseWriter, r *http.Request) {
	id, ok := peerVar(w, r, "id")
	if !ok {
		return
	}
	if f := s.node.ConnectPeer(r.Context(), id); f != nil {
		writeFault(w, f)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
