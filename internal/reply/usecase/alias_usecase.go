package usecase

import (
	"time"

	replydomain "replywatch-backend/internal/reply/domain"
	"replywatch-backend/internal/reply/repository"
	"replywatch-backend/pkg/matching"

	"github.com/bradenaw/juniper/xslices"
)

type aliasUsecase struct {
	aliasRepo repository.AliasRepository
	ttl       time.Duration
	now       func() time.Time
}

// NewAliasUsecase creates the alias store. Aliases not seen for ttl are ignored; zero keeps them forever.
func NewAliasUsecase(aliasRepo repository.AliasRepository, ttl time.Duration) AliasUsecase {
	return &aliasUsecase{aliasRepo: aliasRepo, ttl: ttl, now: time.Now}
}

func (u *aliasUsecase) Learn(contactID, address string) error {
	address = matching.NormalizeAddress(address)
	if contactID == "" || address == "" {
		return nil
	}
	return u.aliasRepo.Upsert(&replydomain.Alias{
		ContactID:  contactID,
		Address:    address,
		Type:       replydomain.AliasAutoDetected,
		Status:     replydomain.AliasActive,
		LastSeenAt: u.now(),
	})
}

// Invalidate revokes an alias. A revoked alias is never re-learned.
func (u *aliasUsecase) Invalidate(contactID, address string) error {
	ok, err := u.aliasRepo.Revoke(contactID, matching.NormalizeAddress(address))
	if err != nil {
		return err
	}
	if !ok {
		return replydomain.ErrAliasNotFound
	}
	return nil
}

func (u *aliasUsecase) ActiveFor(contactID string) ([]string, error) {
	aliases, err := u.aliasRepo.ListForContact(contactID, u.seenSince())
	if err != nil {
		return nil, err
	}
	return xslices.Map(aliases, func(a *replydomain.Alias) string { return a.Address }), nil
}

func (u *aliasUsecase) ContactsFor(address string) ([]string, error) {
	return u.aliasRepo.ContactIDsForAddress(matching.NormalizeAddress(address), u.seenSince())
}

func (u *aliasUsecase) seenSince() time.Time {
	if u.ttl <= 0 {
		return time.Time{}
	}
	return u.now().Add(-u.ttl)
}
