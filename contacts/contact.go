package contacts

import "fmt"

// 联系人引用
// 同一联系人在结果中以同一指针出现
type Contact struct {
	ID     string `json:"id"`
	Handle uint   `json:"handle"`
}

func (c *Contact) String() string {
	return fmt.Sprintf("%s#%d", c.ID, c.Handle)
}

// 联系人能力
type Feature string

const (
	FeatureAlias          Feature = "alias"
	FeatureAvatarToken    Feature = "avatar-token"
	FeatureAvatarData     Feature = "avatar-data"
	FeatureSimplePresence Feature = "simple-presence"
	FeatureCapabilities   Feature = "capabilities"
	FeatureLocation       Feature = "location"
	FeatureInfo           Feature = "info"
	FeatureRosterGroups   Feature = "roster-groups"
)
