package thread

import "github.com/d60-Lab/community-realtime/internal/model"

// Node 评论树节点；Children 保持输入的时间顺序
type Node struct {
	Comment  *model.Comment
	Children []*Node
}

// Build 把按创建时间排序的平铺评论组装为森林。
// 单趟按 parent 分桶，再递归挂接子列表，O(n)。
// 父评论不在输入集合中（父被删除等）的评论按根处理，这是既定策略而非错误。
func Build(comments []*model.Comment) []*Node {
	if len(comments) == 0 {
		return nil
	}

	ids := make(map[string]struct{}, len(comments))
	for _, c := range comments {
		ids[c.ID] = struct{}{}
	}

	byParent := make(map[string][]*Node)
	var roots []*Node
	nodes := make(map[string]*Node, len(comments))

	for _, c := range comments {
		n := &Node{Comment: c}
		nodes[c.ID] = n
		if c.ParentID == nil {
			roots = append(roots, n)
			continue
		}
		if _, ok := ids[*c.ParentID]; !ok {
			// 孤儿引用：父不存在时按根处理
			roots = append(roots, n)
			continue
		}
		byParent[*c.ParentID] = append(byParent[*c.ParentID], n)
	}

	var attach func(ns []*Node)
	attach = func(ns []*Node) {
		for _, n := range ns {
			if children, ok := byParent[n.Comment.ID]; ok {
				n.Children = children
				attach(children)
			}
		}
	}
	attach(roots)
	return roots
}

// Flatten 深度优先展开森林，产出祖先先于后代的平铺序列
func Flatten(forest []*Node) []*model.Comment {
	var out []*model.Comment
	var walk func(ns []*Node)
	walk = func(ns []*Node) {
		for _, n := range ns {
			out = append(out, n.Comment)
			walk(n.Children)
		}
	}
	walk(forest)
	return out
}

// Count 统计森林节点数
func Count(forest []*Node) int {
	total := 0
	var walk func(ns []*Node)
	walk = func(ns []*Node) {
		for _, n := range ns {
			total++
			walk(n.Children)
		}
	}
	walk(forest)
	return total
}
