package thread

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/d60-Lab/community-realtime/internal/model"
)

func c(id string, parent *string, at time.Time) *model.Comment {
	return &model.Comment{ID: id, PostID: "p1", AuthorID: "u1", ParentID: parent, Content: id, CreatedAt: at}
}

func sp(s string) *string { return &s }

func TestBuildNesting(t *testing.T) {
	base := time.Now()
	// r1, r2 根评论；c1 回复 r1；c2 回复 c1（楼中楼）
	flat := []*model.Comment{
		c("r1", nil, base),
		c("r2", nil, base.Add(time.Second)),
		c("c1", sp("r1"), base.Add(2*time.Second)),
		c("c2", sp("c1"), base.Add(3*time.Second)),
	}
	forest := Build(flat)
	require.Len(t, forest, 2)
	require.Equal(t, "r1", forest[0].Comment.ID)
	require.Equal(t, "r2", forest[1].Comment.ID)
	require.Len(t, forest[0].Children, 1)
	require.Equal(t, "c1", forest[0].Children[0].Comment.ID)
	require.Len(t, forest[0].Children[0].Children, 1)
	require.Equal(t, "c2", forest[0].Children[0].Children[0].Comment.ID)
	require.Equal(t, 4, Count(forest))
}

func TestBuildOrphanPromotedToRoot(t *testing.T) {
	base := time.Now()
	// 父评论不在集合中（已删除），孤儿按根处理且保持时序
	flat := []*model.Comment{
		c("r1", nil, base),
		c("orphan", sp("gone"), base.Add(time.Second)),
		c("r2", nil, base.Add(2*time.Second)),
	}
	forest := Build(flat)
	require.Len(t, forest, 3)
	require.Equal(t, "r1", forest[0].Comment.ID)
	require.Equal(t, "orphan", forest[1].Comment.ID)
	require.Equal(t, "r2", forest[2].Comment.ID)
}

func TestBuildSiblingOrderPreserved(t *testing.T) {
	base := time.Now()
	flat := []*model.Comment{c("r1", nil, base)}
	for i := 0; i < 5; i++ {
		flat = append(flat, c(fmt.Sprintf("c%d", i), sp("r1"), base.Add(time.Duration(i+1)*time.Second)))
	}
	forest := Build(flat)
	require.Len(t, forest, 1)
	require.Len(t, forest[0].Children, 5)
	for i, n := range forest[0].Children {
		require.Equal(t, fmt.Sprintf("c%d", i), n.Comment.ID)
	}
}

func TestFlattenDepthFirst(t *testing.T) {
	base := time.Now()
	flat := []*model.Comment{
		c("r1", nil, base),
		c("r2", nil, base.Add(time.Second)),
		c("a", sp("r1"), base.Add(2*time.Second)),
		c("b", sp("a"), base.Add(3*time.Second)),
	}
	out := Flatten(Build(flat))
	ids := make([]string, len(out))
	for i, cm := range out {
		ids[i] = cm.ID
	}
	// 祖先先于后代
	require.Equal(t, []string{"r1", "a", "b", "r2"}, ids)
}

func TestBuildEmpty(t *testing.T) {
	require.Nil(t, Build(nil))
	require.Equal(t, 0, Count(nil))
}
