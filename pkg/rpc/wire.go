package rpc

import (
	"encoding/json"

	"github.com/odvcencio/greenroom/pkg/storage"
)

// Bus subjects. Mutations and queries are request/reply; change
// notifications are fire-and-forget publishes, one per committed mutation.
const (
	SubjectMutateProjectCreate = "greenroom.rpc.mutate.project.create"
	SubjectMutateProjectUpdate = "greenroom.rpc.mutate.project.update"
	SubjectMutateProjectDelete = "greenroom.rpc.mutate.project.delete"
	SubjectMutateSessionCreate = "greenroom.rpc.mutate.session.create"
	SubjectMutateSessionUpdate = "greenroom.rpc.mutate.session.update"
	SubjectMutateSessionDelete = "greenroom.rpc.mutate.session.delete"
	SubjectMutateMessageAppend = "greenroom.rpc.mutate.message.append"
	SubjectMutateHarnessStart  = "greenroom.rpc.mutate.harness.start"
	SubjectMutateHarnessInput  = "greenroom.rpc.mutate.harness.input"
	SubjectMutateHarnessStop   = "greenroom.rpc.mutate.harness.stop"

	SubjectQueryProjectList = "greenroom.rpc.query.project.list"
	SubjectQueryProjectGet  = "greenroom.rpc.query.project.get"
	SubjectQuerySessionList = "greenroom.rpc.query.session.list"
	SubjectQuerySessionGet  = "greenroom.rpc.query.session.get"
	SubjectQueryMessageList = "greenroom.rpc.query.message.list"

	subjectChangePrefix = "greenroom.change."
)

// SubjectChange returns the notification subject for a collection.
func SubjectChange(collection string) string {
	return subjectChangePrefix + collection
}

// SubjectChangeAll matches every change notification.
const SubjectChangeAll = subjectChangePrefix + "*"

// Machine-readable error codes carried on the wire. Clients map these back
// to sentinel errors.
const (
	CodeConflict     = "conflict"
	CodeNotFound     = "not_found"
	CodeNotRunning   = "not_running"
	CodeLaunchFailed = "launch_failed"
	CodeInvalid      = "invalid_argument"
	CodeUnavailable  = "unavailable"
	CodeInternal     = "internal"
)

type projectRequest struct {
	Project          storage.Project `json:"project"`
	ID               string          `json:"id,omitempty"`
	ExpectedRevision int64           `json:"expectedRevision,omitempty"`
}

type sessionRequest struct {
	Session          storage.Session `json:"session"`
	ID               string          `json:"id,omitempty"`
	ExpectedRevision int64           `json:"expectedRevision,omitempty"`
}

type messageRequest struct {
	Message storage.Message `json:"message"`
}

type harnessRequest struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text,omitempty"`
}

type queryRequest struct {
	ID        string `json:"id,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}

// HarnessStatus is the result of a harness.start call.
type HarnessStatus struct {
	HarnessID string `json:"harnessId"`
	SessionID string `json:"sessionId"`
	State     string `json:"state"`
}

// Snapshot is a query result: the records plus the store sequence observed
// at (or just before) the read. The sequence seeds a cache cursor; change
// events at or below it are already reflected in the records.
type Snapshot struct {
	Seq      uint64            `json:"seq"`
	Projects []storage.Project `json:"projects,omitempty"`
	Sessions []storage.Session `json:"sessions,omitempty"`
	Messages []storage.Message `json:"messages,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type response struct {
	OK     bool            `json:"ok"`
	Error  *wireError      `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func okResponse(result any) []byte {
	data, err := json.Marshal(result)
	if err != nil {
		return errResponse(CodeInternal, "encode result: "+err.Error())
	}
	out, _ := json.Marshal(response{OK: true, Result: data})
	return out
}

func errResponse(code, message string) []byte {
	out, _ := json.Marshal(response{OK: false, Error: &wireError{Code: code, Message: message}})
	return out
}
