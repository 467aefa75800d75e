package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/studymate-app/studymate/internal/core"
	"github.com/studymate-app/studymate/internal/domain"
)

// DefaultCollection matches the collection the browser clients use.
const DefaultCollection = "studySessions"

// Firestore is the production Store. Field-path merges, array unions and
// the push snapshot subscription all map one to one onto the SDK.
type Firestore struct {
	client     *firestore.Client
	collection string
}

func NewFirestore(client *firestore.Client, collection string) *Firestore {
	if collection == "" {
		collection = DefaultCollection
	}
	return &Firestore{client: client, collection: collection}
}

func (f *Firestore) doc(id domain.SessionID) *firestore.DocumentRef {
	return f.client.Collection(f.collection).Doc(string(id))
}

func (f *Firestore) Create(ctx context.Context, sess *domain.Session) error {
	_, err := f.doc(sess.ID).Create(ctx, sess)
	if status.Code(err) == codes.AlreadyExists {
		return domain.ErrSessionExists
	}
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (f *Firestore) Get(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	ds, err := f.doc(id).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sessionFromDoc(id, ds)
}

func (f *Firestore) Merge(ctx context.Context, id domain.SessionID, fields map[string]any) error {
	updates := make([]firestore.Update, 0, len(fields))
	for path, value := range fields {
		updates = append(updates, firestore.Update{Path: path, Value: value})
	}
	_, err := f.doc(id).Update(ctx, updates)
	if status.Code(err) == codes.NotFound {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("merge session: %w", err)
	}
	return nil
}

func (f *Firestore) AppendCandidates(ctx context.Context, id domain.SessionID, field string, cands ...domain.Candidate) error {
	vals := make([]any, len(cands))
	for i, c := range cands {
		vals[i] = c
	}
	_, err := f.doc(id).Update(ctx, []firestore.Update{
		{Path: field, Value: firestore.ArrayUnion(vals...)},
	})
	if status.Code(err) == codes.NotFound {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("append candidates: %w", err)
	}
	return nil
}

func (f *Firestore) QueryByCreator(ctx context.Context, uid string) ([]*domain.Session, error) {
	iter := f.client.Collection(f.collection).Where("createdBy.uid", "==", uid).Documents(ctx)
	defer iter.Stop()

	var out []*domain.Session
	for {
		ds, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("query sessions: %w", err)
		}
		sess, err := sessionFromDoc(domain.SessionID(ds.Ref.ID), ds)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
}

func (f *Firestore) Subscribe(ctx context.Context, id domain.SessionID, fn core.SnapshotFunc) (func(), error) {
	snaps := f.doc(id).Snapshots(ctx)

	var once sync.Once
	unsubscribe := func() {
		once.Do(snaps.Stop)
	}

	go func() {
		for {
			ds, err := snaps.Next()
			if err != nil {
				if status.Code(err) != codes.Canceled {
					log.Error().Err(err).Str("module", "store.firestore").Str("session", string(id)).Msg("snapshot stream ended")
				}
				return
			}
			if !ds.Exists() {
				fn(core.Snapshot{})
				continue
			}
			sess, err := sessionFromDoc(id, ds)
			if err != nil {
				log.Error().Err(err).Str("module", "store.firestore").Str("session", string(id)).Msg("bad snapshot payload")
				continue
			}
			fn(core.Snapshot{Exists: true, Session: sess})
		}
	}()

	return unsubscribe, nil
}

func sessionFromDoc(id domain.SessionID, ds *firestore.DocumentSnapshot) (*domain.Session, error) {
	var sess domain.Session
	if err := ds.DataTo(&sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	sess.ID = id
	return &sess, nil
}
