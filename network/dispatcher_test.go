package network

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"filehub/models"
	"filehub/storage"
)

func newDispatcherFixture(t *testing.T) (*storage.Store, *Dispatcher) {
	t.Helper()

	store := newTestStore(t)
	if err := store.AddClient(models.Client{ClientID: "C1", PasswordHash: "hash", OwnerID: "owner"}); err != nil {
		t.Fatalf("AddClient failed: %v", err)
	}
	return store, NewDispatcher(store, zaptest.NewLogger(t))
}

func TestDispatcherServesPendingOldestFirst(t *testing.T) {
	store, dispatcher := newDispatcherFixture(t)

	first, err := store.CreateAction("C1", models.ActionUpload, nil)
	if err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}
	second, err := store.CreateAction("C1", models.ActionUpload, nil)
	if err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}

	for _, want := range []int64{first.ActionID, second.ActionID} {
		directive, err := dispatcher.Next("C1")
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if directive == nil || directive.Action.ActionID != want {
			t.Fatalf("unexpected directive %+v, want action %d", directive, want)
		}
		if directive.Resume() {
			t.Fatalf("pending action must not resume")
		}
		stored, err := store.GetAction(want)
		if err != nil {
			t.Fatalf("GetAction failed: %v", err)
		}
		if stored.Status != models.ActionRunning {
			t.Fatalf("dispatched action not RUNNING: %s", stored.Status)
		}
	}

	directive, err := dispatcher.Next("C1")
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if directive != nil {
		t.Fatalf("expected no work, got action %d", directive.Action.ActionID)
	}
}

func TestDispatcherPrefersInterruptedUpload(t *testing.T) {
	store, dispatcher := newDispatcherFixture(t)

	pending, err := store.CreateAction("C1", models.ActionUpload, nil)
	if err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}
	interrupted, err := store.CreateAction("C1", models.ActionUpload, nil)
	if err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}
	file, err := store.CreateFile("C1", "notes.txt", 13)
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if err := store.AttachFileToAction(interrupted.ActionID, file.FileID); err != nil {
		t.Fatalf("AttachFileToAction failed: %v", err)
	}
	if err := store.UpdateFileReceived(file.FileID, 6); err != nil {
		t.Fatalf("UpdateFileReceived failed: %v", err)
	}
	if err := store.SetActionStatus(interrupted.ActionID, models.ActionInterrupted); err != nil {
		t.Fatalf("SetActionStatus failed: %v", err)
	}

	directive, err := dispatcher.Next("C1")
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if directive == nil || directive.Action.ActionID != interrupted.ActionID {
		t.Fatalf("expected interrupted action first, got %+v", directive)
	}
	if !directive.Resume() || directive.File.Received != 6 {
		t.Fatalf("expected byte resume at 6, got %+v", directive.File)
	}

	stored, err := store.GetAction(pending.ActionID)
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if stored.Status != models.ActionPending {
		t.Fatalf("pending action touched early: %s", stored.Status)
	}
}

func TestDispatcherSettlesFinishedInterruptedUpload(t *testing.T) {
	store, dispatcher := newDispatcherFixture(t)

	action, err := store.CreateAction("C1", models.ActionUpload, nil)
	if err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}
	file, err := store.CreateFile("C1", "done.bin", 3)
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	if err := store.AttachFileToAction(action.ActionID, file.FileID); err != nil {
		t.Fatalf("AttachFileToAction failed: %v", err)
	}
	if err := store.FinalizeFileUploaded(file.FileID, "abc"); err != nil {
		t.Fatalf("FinalizeFileUploaded failed: %v", err)
	}
	if err := store.SetActionStatus(action.ActionID, models.ActionInterrupted); err != nil {
		t.Fatalf("SetActionStatus failed: %v", err)
	}

	directive, err := dispatcher.Next("C1")
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if directive != nil {
		t.Fatalf("expected no directive, got %+v", directive)
	}
	stored, err := store.GetAction(action.ActionID)
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if stored.Status != models.ActionDone {
		t.Fatalf("expected DONE, got %s", stored.Status)
	}
}

func TestDispatcherRestartsInterruptedUploadWithoutFile(t *testing.T) {
	store, dispatcher := newDispatcherFixture(t)

	action, err := store.CreateAction("C1", models.ActionUpload, nil)
	if err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}
	if err := store.SetActionStatus(action.ActionID, models.ActionInterrupted); err != nil {
		t.Fatalf("SetActionStatus failed: %v", err)
	}

	directive, err := dispatcher.Next("C1")
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if directive == nil || directive.Resume() {
		t.Fatalf("expected a fresh upload directive, got %+v", directive)
	}
}

func TestDispatcherReissuesInterruptedDownload(t *testing.T) {
	store, dispatcher := newDispatcherFixture(t)

	file, err := store.CreateFile("C1", "a.bin", 1)
	if err != nil {
		t.Fatalf("CreateFile failed: %v", err)
	}
	action, err := store.CreateAction("C1", models.ActionDownload, &file.FileID)
	if err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}
	if err := store.SetActionStatus(action.ActionID, models.ActionInterrupted); err != nil {
		t.Fatalf("SetActionStatus failed: %v", err)
	}

	directive, err := dispatcher.Next("C1")
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if directive == nil || directive.Action.Kind != models.ActionDownload || directive.Resume() {
		t.Fatalf("expected download to be re-issued, got %+v", directive)
	}
}

// unknownKindGateway reports the first pending action with a kind the
// dispatcher does not understand.
type unknownKindGateway struct {
	*storage.Store
}

func (g unknownKindGateway) GetPendingActions(clientID string) ([]models.Action, error) {
	actions, err := g.Store.GetPendingActions(clientID)
	if err == nil && len(actions) > 0 {
		actions[0].Kind = "DELETE"
	}
	return actions, err
}

func TestDispatcherCancelsUnknownKinds(t *testing.T) {
	store, _ := newDispatcherFixture(t)
	dispatcher := NewDispatcher(unknownKindGateway{Store: store}, zaptest.NewLogger(t))

	bogus, err := store.CreateAction("C1", models.ActionUpload, nil)
	if err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}
	valid, err := store.CreateAction("C1", models.ActionUpload, nil)
	if err != nil {
		t.Fatalf("CreateAction failed: %v", err)
	}

	directive, err := dispatcher.Next("C1")
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if directive == nil || directive.Action.ActionID != valid.ActionID {
		t.Fatalf("expected the valid action, got %+v", directive)
	}
	stored, err := store.GetAction(bogus.ActionID)
	if err != nil {
		t.Fatalf("GetAction failed: %v", err)
	}
	if stored.Status != models.ActionCanceled {
		t.Fatalf("unknown kind not canceled: %s", stored.Status)
	}
}
