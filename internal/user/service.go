// Package user はブローカー側のプロフィール管理のドメインロジックを提供する。
package user

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/signin/internal/model"
	"github.com/hitoshi/signin/internal/repository"
)

// MaxDisplayNameLength は表示名の最大文字数（profiles.display_name と一致させる）。
const MaxDisplayNameLength = 64

// TextSanitizer は入力文字列を無害化する。security.ProfileSanitizerが実装する。
type TextSanitizer interface {
	Text(raw string) string
}

// Service はプロフィール管理のサービス層。
// 識別情報はトークンのイントロスペクション結果を受け取り、表示名のみ永続化する。
type Service struct {
	profileRepo repository.ProfileRepository
	sanitizer   TextSanitizer
	logger      *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(profileRepo repository.ProfileRepository, sanitizer TextSanitizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		profileRepo: profileRepo,
		sanitizer:   sanitizer,
		logger:      logger,
	}
}

// GetProfile は識別情報と保存済みの表示名からプロフィールを組み立てる。
// 保存済みのレコードがなければ表示名は空のまま返す。
func (s *Service) GetProfile(ctx context.Context, identity model.User) (*model.Profile, error) {
	stored, err := s.profileRepo.FindByUserID(ctx, identity.ID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}

	p := profileFromIdentity(identity)
	if stored != nil {
		p.DisplayName = stored.DisplayName
		p.UpdatedAt = stored.UpdatedAt
	}
	return p, nil
}

// UpdateDisplayName は表示名を検証して保存し、更新後のプロフィールを返す。
func (s *Service) UpdateDisplayName(ctx context.Context, identity model.User, displayName string) (*model.Profile, error) {
	name, err := s.normalizeDisplayName(displayName)
	if err != nil {
		return nil, err
	}

	p := profileFromIdentity(identity)
	p.DisplayName = name
	if err := s.profileRepo.Upsert(ctx, p); err != nil {
		return nil, fmt.Errorf("プロフィールの保存に失敗しました: %w", err)
	}

	s.logger.Info("display name updated", slog.String("user_id", identity.ID))
	return p, nil
}

// normalizeDisplayName は前後の空白を除去・無害化し、長さを検証する。
func (s *Service) normalizeDisplayName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	if s.sanitizer != nil {
		name = s.sanitizer.Text(name)
	}

	n := utf8.RuneCountInString(name)
	switch {
	case n == 0:
		return "", model.NewInvalidDisplayNameError("空です")
	case n > MaxDisplayNameLength:
		return "", model.NewInvalidDisplayNameError(fmt.Sprintf("%d文字を超えています", MaxDisplayNameLength))
	}
	return name, nil
}

func profileFromIdentity(identity model.User) *model.Profile {
	return &model.Profile{
		UserID: identity.ID,
		Email:  identity.Email,
		Name:   identity.Name,
		Photo:  identity.Photo,
	}
}
