package clip

import "github.com/hitoshi/clipfeed/internal/model"

// ExtractRefs はクリップ群からcategories、users、channelsのUPSERT用レコードを抽出する。
// 参照オブジェクトが欠けているクリップ、IDが0の参照は黙ってスキップする。
// 同一バッチ内で同じIDが複数回現れた場合は後勝ちで値を採用し、
// 出力順は各IDが最初に現れた位置を保つ。
// マージ（先勝ち）と異なるのは、1バッチ内の観測はすべて同じ鮮度とみなすため。
func ExtractRefs(clips []model.Clip) model.Refs {
	var refs model.Refs
	catIdx := make(map[int64]int)
	userIdx := make(map[int64]int)
	chanIdx := make(map[int64]int)

	for i := range clips {
		c := &clips[i]

		if c.Category != nil && c.Category.ID != 0 {
			ref := model.CategoryRef{
				ID:             c.Category.ID,
				Name:           c.Category.Name,
				Slug:           c.Category.Slug,
				ParentCategory: c.Category.ParentCategory,
			}
			if idx, ok := catIdx[ref.ID]; ok {
				refs.Categories[idx] = ref
			} else {
				catIdx[ref.ID] = len(refs.Categories)
				refs.Categories = append(refs.Categories, ref)
			}
		}

		var userID *int64
		if c.Creator != nil && c.Creator.ID != 0 {
			ref := model.UserRef{
				ID:       c.Creator.ID,
				Username: c.Creator.Username,
				Slug:     c.Creator.Slug,
			}
			if idx, ok := userIdx[ref.ID]; ok {
				refs.Users[idx] = ref
			} else {
				userIdx[ref.ID] = len(refs.Users)
				refs.Users = append(refs.Users, ref)
			}
			id := ref.ID
			userID = &id
		}

		if c.Channel != nil && c.Channel.ID != 0 {
			ref := model.ChannelRef{
				ID:             c.Channel.ID,
				Username:       c.Channel.Username,
				Slug:           c.Channel.Slug,
				ProfilePicture: c.Channel.ProfilePicture,
				UserID:         userID,
			}
			if idx, ok := chanIdx[ref.ID]; ok {
				refs.Channels[idx] = ref
			} else {
				chanIdx[ref.ID] = len(refs.Channels)
				refs.Channels = append(refs.Channels, ref)
			}
		}
	}

	return refs
}
