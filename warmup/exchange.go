package warmup

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"

	"dripflow/models"
)

// SendFunc delivers one message from a warmup account.
type SendFunc func(ctx context.Context, from *models.WarmupAccount, to, subject, body string) (string, error)

// PeerExchanger sends warmup messages to real peer-network inboxes. Peers
// reply and open through their own accounts; those signals come back in
// via Engine.RecordEngagement.
type PeerExchanger struct {
	Send   SendFunc
	Peers  []string
	Logger *logrus.Logger
}

func NewPeerExchanger(send SendFunc, peers []string, logger *logrus.Logger) *PeerExchanger {
	return &PeerExchanger{
		Send:   send,
		Peers:  peers,
		Logger: logger,
	}
}

var warmupSubjects = []string{
	"Quick question about your recent post",
	"Following up on our last conversation",
	"Checking in to see how you're doing",
	"Thought you might find this interesting",
	"An idea I wanted to share with you",
}

var warmupBodies = []string{
	"Hi there,\n\nI wanted to follow up on our previous conversation. Let me know if you have any questions!\n\nBest regards,\n%s",
	"Hello,\n\nI came across this and thought you might find it valuable. What do you think?\n\nRegards,\n%s",
	"Hi,\n\nJust checking in to see if you had any thoughts on this topic?\n\nThanks,\n%s",
	"Greetings,\n\nI wanted to share this with you. Let me know your thoughts when you get a chance.\n\nBest,\n%s",
}

// Exchange sends up to count messages to rotating peers and reports how
// many actually went out. Individual send failures are logged and skipped
// so one bad peer does not stall the batch.
func (x *PeerExchanger) Exchange(ctx context.Context, account *models.WarmupAccount, count int) (int, error) {
	if len(x.Peers) == 0 {
		return 0, fmt.Errorf("no warmup peers configured")
	}

	sent := 0
	var lastErr error
	for i := 0; i < count; i++ {
		peer := x.Peers[(int(account.ID)+i)%len(x.Peers)]
		subject := warmupSubjects[rand.Intn(len(warmupSubjects))]
		body := fmt.Sprintf(warmupBodies[rand.Intn(len(warmupBodies))], account.FromName)

		if _, err := x.Send(ctx, account, peer, subject, body); err != nil {
			x.Logger.WithFields(logrus.Fields{
				"account_id": account.ID,
				"peer":       peer,
			}).WithError(err).Warn("warmup send failed")
			lastErr = err
			continue
		}
		sent++
	}

	if sent < count && lastErr != nil {
		return sent, fmt.Errorf("sent %d of %d warmup messages: %w", sent, count, lastErr)
	}
	return sent, nil
}
